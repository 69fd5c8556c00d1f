package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// rebootstrapDelay spaces supervisor re-offers after a failure.
const rebootstrapDelay = time.Second

var ErrRelayClosed = errors.New("relay closed")

// Relay drives one side of a session's peer connection over its mailbox.
//
// The supervisor side offers. It rebuilds the peer and re-offers whenever the
// connection fails; nothing of the failed peer is reused. The candidate side
// answers, building a fresh peer for every offer it receives. Remote ICE
// candidates that arrive before the remote description are buffered.
type Relay struct {
	role    model.PeerRole
	mailbox Mailbox
	factory PeerFactory
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	pc        PeerConnection
	gen       int
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	onState   func(webrtc.PeerConnectionState)
	closed    bool
}

// NewRelay creates a relay for role. Nothing happens until Start.
func NewRelay(role model.PeerRole, mailbox Mailbox, factory PeerFactory, log zerolog.Logger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		role:    role,
		mailbox: mailbox,
		factory: factory,
		log:     log.With().Str("component", "signaling_relay").Str("role", string(role)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   webrtc.PeerConnectionStateNew,
	}
}

// OnStateChange registers fn for connection state changes of the current peer.
func (r *Relay) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

// State returns the connection state of the current peer.
func (r *Relay) State() webrtc.PeerConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the relay stops listening.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Start begins listening on the mailbox. The supervisor side also sends the
// first offer.
func (r *Relay) Start() error {
	if r.role == model.PeerSupervisor {
		if err := r.bootstrap(); err != nil {
			return err
		}
	}
	go r.listen()
	return nil
}

// Close tears down the peer and stops listening. It is idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pc := r.pc
	r.pc = nil
	r.gen++
	r.mu.Unlock()

	r.cancel()
	if pc != nil {
		if err := pc.Close(); err != nil {
			r.log.Debug().Err(err).Msg("Peer close error")
		}
	}
	r.log.Debug().Msg("Relay closed")
}

// bootstrap replaces the peer with a fresh one and sends a new offer.
func (r *Relay) bootstrap() error {
	pc, gen, err := r.replacePeer(true)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := r.post(model.SignalOffer, offer); err != nil {
		return err
	}
	r.log.Info().Int("generation", gen).Msg("Offer sent")
	return nil
}

// replacePeer closes the current peer and installs a new one. Buffered remote
// candidates are dropped when dropPending is set.
func (r *Relay) replacePeer(dropPending bool) (PeerConnection, int, error) {
	pc, err := r.factory(r.role)
	if err != nil {
		return nil, 0, fmt.Errorf("create peer: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pc.Close()
		return nil, 0, ErrRelayClosed
	}
	old := r.pc
	r.pc = pc
	r.gen++
	gen := r.gen
	r.remoteSet = false
	if dropPending {
		r.pending = nil
	}
	r.state = webrtc.PeerConnectionStateNew
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !r.current(gen) {
			return
		}
		if err := r.post(model.SignalICECandidate, c); err != nil {
			r.log.Warn().Err(err).Msg("Failed to post ICE candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.onConnectionState(gen, s)
	})
	return pc, gen, nil
}

func (r *Relay) current(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.gen == gen
}

func (r *Relay) onConnectionState(gen int, s webrtc.PeerConnectionState) {
	r.mu.Lock()
	if r.closed || r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.onState
	r.mu.Unlock()

	r.log.Info().Str("state", s.String()).Int("generation", gen).Msg("Peer connection state changed")
	if fn != nil {
		fn(s)
	}
	if s == webrtc.PeerConnectionStateFailed && r.role == model.PeerSupervisor {
		go r.rebootstrap(gen)
	}
}

// rebootstrap re-runs the full offer/answer exchange after a failure.
func (r *Relay) rebootstrap(failedGen int) {
	select {
	case <-r.ctx.Done():
		return
	case <-time.After(rebootstrapDelay):
	}
	if !r.current(failedGen) {
		return
	}
	if err := r.bootstrap(); err != nil && !errors.Is(err, ErrRelayClosed) {
		r.log.Error().Err(err).Msg("Re-bootstrap failed")
	}
}

func (r *Relay) listen() {
	defer close(r.done)
	for {
		msg, err := r.mailbox.Receive(r.ctx, r.role)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Msg("Mailbox receive failed")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := r.handle(msg); err != nil {
			r.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Signaling message not applied")
		}
	}
}

// handle applies one message from the other peer.
func (r *Relay) handle(msg model.SignalingMessage) error {
	switch msg.Type {
	case model.SignalOffer:
		if r.role != model.PeerCandidate {
			return nil
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return err
		}
		return r.answer(desc)

	case model.SignalAnswer:
		if r.role != model.PeerSupervisor {
			return nil
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return err
		}
		return r.setRemote(desc)

	case model.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return err
		}
		return r.addCandidate(c)
	}
	return ErrInvalidType
}

// answer builds a fresh peer for the offer and replies.
func (r *Relay) answer(offer webrtc.SessionDescription) error {
	pc, gen, err := r.replacePeer(false)
	if err != nil {
		return err
	}
	if err := r.setRemote(offer); err != nil {
		return err
	}
	ans, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(ans); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := r.post(model.SignalAnswer, ans); err != nil {
		return err
	}
	r.log.Info().Int("generation", gen).Msg("Answer sent")
	return nil
}

// setRemote applies the remote description and flushes buffered candidates.
func (r *Relay) setRemote(desc webrtc.SessionDescription) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return errors.New("no peer for remote description")
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	r.mu.Lock()
	if r.pc != pc {
		r.mu.Unlock()
		return nil
	}
	r.remoteSet = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			r.log.Debug().Err(err).Msg("Buffered ICE candidate rejected")
		}
	}
	return nil
}

func (r *Relay) addCandidate(c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	if r.pc == nil || !r.remoteSet {
		r.pending = append(r.pending, c)
		r.mu.Unlock()
		return nil
	}
	pc := r.pc
	r.mu.Unlock()
	return pc.AddICECandidate(c)
}

func (r *Relay) post(t model.SignalType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	_, err = r.mailbox.Post(ctx, model.SignalingMessage{Type: t, Payload: raw, From: r.role})
	return err
}
