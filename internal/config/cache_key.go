package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// LiveSessionKey returns the hash holding a running session's violation state
func (r *CacheKeyStruct) LiveSessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s:live", sessionID)
}

// SessionAnswersKey returns the hash holding a running session's answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// CandidateTabsKey returns the counter of tabs a candidate has open on an exam
func (r *CacheKeyStruct) CandidateTabsKey(examID string, candidateID int) string {
	return fmt.Sprintf("candidate:%d:exam:%s:tabs", candidateID, examID)
}

// SignalDocsKey returns the hash of signaling documents of a session
func (r *CacheKeyStruct) SignalDocsKey(examID, sessionID string) string {
	return fmt.Sprintf("signal:%s:%s:docs", examID, sessionID)
}

// SignalInboxKey returns the list of pending document IDs addressed to a peer
func (r *CacheKeyStruct) SignalInboxKey(examID, sessionID, recipient string) string {
	return fmt.Sprintf("signal:%s:%s:inbox:%s", examID, sessionID, recipient)
}

// ExamPayloadKey returns the cache key for an exam's scheduling envelope
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// CandidateLoginKey returns the key holding a candidate's current login token ID
func (r *CacheKeyStruct) CandidateLoginKey(candidateID int) string {
	return fmt.Sprintf("login:%d", candidateID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
