package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisHub(t *testing.T) *RedisHub {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisHub(rdb, time.Minute)
}

func mailboxes(t *testing.T) map[string]Mailbox {
	examID, sessionID := uuid.New(), uuid.New()
	return map[string]Mailbox{
		"memory": NewMemoryHub().Mailbox(examID, sessionID),
		"redis":  newRedisHub(t).Mailbox(examID, sessionID),
	}
}

func offerMsg(sdp string) model.SignalingMessage {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	return model.SignalingMessage{Type: model.SignalOffer, Payload: raw, From: model.PeerSupervisor}
}

func receiveWithin(t *testing.T, box Mailbox, self model.PeerRole, d time.Duration) (model.SignalingMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return box.Receive(ctx, self)
}

func TestMailboxDeliversToOtherPeerOnce(t *testing.T) {
	for name, box := range mailboxes(t) {
		t.Run(name, func(t *testing.T) {
			sent, err := box.Post(context.Background(), offerMsg("v=0"))
			require.NoError(t, err)
			assert.NotEmpty(t, sent.ID)
			assert.False(t, sent.Timestamp.IsZero())

			got, err := receiveWithin(t, box, model.PeerCandidate, 3*time.Second)
			require.NoError(t, err)
			assert.Equal(t, sent.ID, got.ID)
			assert.Equal(t, model.SignalOffer, got.Type)

			_, err = receiveWithin(t, box, model.PeerCandidate, 1500*time.Millisecond)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestMailboxSenderDoesNotReceiveOwnMessage(t *testing.T) {
	for name, box := range mailboxes(t) {
		t.Run(name, func(t *testing.T) {
			_, err := box.Post(context.Background(), offerMsg("v=0"))
			require.NoError(t, err)

			_, err = receiveWithin(t, box, model.PeerSupervisor, 1500*time.Millisecond)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestMailboxRejectsInvalidMessages(t *testing.T) {
	for name, box := range mailboxes(t) {
		t.Run(name, func(t *testing.T) {
			msg := offerMsg("v=0")
			msg.From = "proctor"
			_, err := box.Post(context.Background(), msg)
			assert.ErrorIs(t, err, ErrInvalidSender)

			msg = offerMsg("v=0")
			msg.Type = "renegotiate"
			_, err = box.Post(context.Background(), msg)
			assert.ErrorIs(t, err, ErrInvalidType)

			_, err = box.Receive(context.Background(), "observer")
			assert.ErrorIs(t, err, ErrInvalidSender)
		})
	}
}

func TestMailboxPurge(t *testing.T) {
	for name, box := range mailboxes(t) {
		t.Run(name, func(t *testing.T) {
			_, err := box.Post(context.Background(), offerMsg("v=0"))
			require.NoError(t, err)
			require.NoError(t, box.Purge(context.Background()))

			_, err = receiveWithin(t, box, model.PeerCandidate, 1500*time.Millisecond)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestRedisMailboxClaimIsExclusive(t *testing.T) {
	box := newRedisHub(t).Mailbox(uuid.New(), uuid.New()).(*RedisMailbox)
	ctx := context.Background()

	sent, err := box.Post(ctx, offerMsg("v=0"))
	require.NoError(t, err)

	_, ok, err := box.claim(ctx, sent.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = box.claim(ctx, sent.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed document cannot be claimed again")
}

// ─── Relay ──────────────────────────────────────────────────────────

type fakePeer struct {
	mu         sync.Mutex
	role       model.PeerRole
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onICE      func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	closed     bool
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) gathered() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emitICE(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) emitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

type peerLog struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (l *peerLog) factory(role model.PeerRole) (PeerConnection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakePeer{role: role}
	l.peers = append(l.peers, p)
	return p, nil
}

func (l *peerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *peerLog) last() *fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.peers) == 0 {
		return nil
	}
	return l.peers[len(l.peers)-1]
}

func startPair(t *testing.T) (sup, cand *Relay, supPeers, candPeers *peerLog) {
	t.Helper()
	box := NewMemoryMailbox()
	supPeers, candPeers = &peerLog{}, &peerLog{}
	sup = NewRelay(model.PeerSupervisor, box, supPeers.factory, zerolog.Nop())
	cand = NewRelay(model.PeerCandidate, box, candPeers.factory, zerolog.Nop())
	t.Cleanup(sup.Close)
	t.Cleanup(cand.Close)
	require.NoError(t, cand.Start())
	require.NoError(t, sup.Start())
	return sup, cand, supPeers, candPeers
}

func TestRelayOfferAnswerExchange(t *testing.T) {
	_, _, supPeers, candPeers := startPair(t)

	require.Eventually(t, func() bool {
		p := candPeers.last()
		return p != nil && p.remoteSDP() == "offer"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return supPeers.last().remoteSDP() == "answer"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayICECandidatesReachOtherPeer(t *testing.T) {
	_, _, supPeers, candPeers := startPair(t)
	require.Eventually(t, func() bool {
		return supPeers.last().remoteSDP() == "answer"
	}, 2*time.Second, 10*time.Millisecond)

	mid := "0"
	supPeers.last().emitICE(webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid})
	candPeers.last().emitICE(webrtc.ICECandidateInit{Candidate: "candidate:2", SDPMid: &mid})

	require.Eventually(t, func() bool {
		got := candPeers.last().gathered()
		return len(got) == 1 && got[0].Candidate == "candidate:1"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got := supPeers.last().gathered()
		return len(got) == 1 && got[0].Candidate == "candidate:2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	peers := &peerLog{}
	r := NewRelay(model.PeerSupervisor, NewMemoryMailbox(), peers.factory, zerolog.Nop())
	t.Cleanup(r.Close)
	require.NoError(t, r.bootstrap())

	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:early"})
	require.NoError(t, r.handle(model.SignalingMessage{Type: model.SignalICECandidate, Payload: raw, From: model.PeerCandidate}))
	assert.Empty(t, peers.last().gathered())

	raw, _ = json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"})
	require.NoError(t, r.handle(model.SignalingMessage{Type: model.SignalAnswer, Payload: raw, From: model.PeerCandidate}))

	got := peers.last().gathered()
	require.Len(t, got, 1)
	assert.Equal(t, "candidate:early", got[0].Candidate)
}

func TestRelaySupervisorRebootstrapsOnFailure(t *testing.T) {
	sup, _, supPeers, candPeers := startPair(t)
	require.Eventually(t, func() bool {
		return supPeers.last().remoteSDP() == "answer"
	}, 2*time.Second, 10*time.Millisecond)
	first := supPeers.last()
	firstCand := candPeers.last()

	first.emitState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, webrtc.PeerConnectionStateFailed, sup.State())

	require.Eventually(t, func() bool {
		return supPeers.count() == 2 && supPeers.last().remoteSDP() == "answer"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, candPeers.count(), "candidate rebuilds its peer for the new offer")
	assert.True(t, firstCand.isClosed())
}

func TestRelayIgnoresStaleGenerationEvents(t *testing.T) {
	sup, _, supPeers, _ := startPair(t)
	require.Eventually(t, func() bool {
		return supPeers.last().remoteSDP() == "answer"
	}, 2*time.Second, 10*time.Millisecond)
	first := supPeers.last()

	require.NoError(t, sup.bootstrap())
	first.emitState(webrtc.PeerConnectionStateFailed)

	time.Sleep(rebootstrapDelay + 200*time.Millisecond)
	assert.Equal(t, 2, supPeers.count())
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	sup, cand, supPeers, _ := startPair(t)
	require.Eventually(t, func() bool {
		return supPeers.last().remoteSDP() == "answer"
	}, 2*time.Second, 10*time.Millisecond)

	sup.Close()
	sup.Close()
	assert.True(t, supPeers.last().isClosed())
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	cand.Close()
	assert.ErrorIs(t, sup.bootstrap(), ErrRelayClosed)
}
