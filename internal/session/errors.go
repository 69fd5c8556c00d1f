package session

import (
	"errors"
	"strings"
)

var (
	// ErrSessionExists is the SessionCreateError: the candidate already has a
	// session for this exam.
	ErrSessionExists = errors.New("session already exists for this candidate and exam")
	// ErrAlreadyFinalized is returned by every finalize call after the first.
	ErrAlreadyFinalized = errors.New("session already finalized")
	ErrNotFound         = errors.New("session not found")
	ErrNotRunning       = errors.New("session is not running")
	ErrNoQuestions      = errors.New("exam has no questions")
	ErrExamClosed       = errors.New("exam is not open")
	ErrUnknownQuestion  = errors.New("question does not belong to this exam")
	ErrEmptyAnswer      = errors.New("answer is empty")
	ErrForbidden        = errors.New("session belongs to another candidate")
)

// Capability issues found by the preflight check.
const (
	IssueFullscreenUnsupported = "fullscreen_unsupported"
	IssueMediaUnavailable      = "media_unavailable"
	IssueFaceModelUnavailable  = "face_model_unavailable"
)

// CapabilityError blocks the Loading to Running transition until the listed
// issues are resolved or explicitly bypassed in degraded mode.
type CapabilityError struct {
	Issues []string
}

func (e *CapabilityError) Error() string {
	return "environment not ready: " + strings.Join(e.Issues, ", ")
}

// Messages returns the candidate-facing description of every issue.
func (e *CapabilityError) Messages() []string {
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		switch issue {
		case IssueFullscreenUnsupported:
			out = append(out, "Browser tidak mendukung mode layar penuh.")
		case IssueMediaUnavailable:
			out = append(out, "Kamera dan mikrofon belum diizinkan.")
		case IssueFaceModelUnavailable:
			out = append(out, "Layanan deteksi wajah belum siap.")
		default:
			out = append(out, issue)
		}
	}
	return out
}
