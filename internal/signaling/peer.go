package signaling

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PeerConnection is the part of a WebRTC peer the relay drives.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(s webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates a fresh peer for the given role.
type PeerFactory func(role model.PeerRole) (PeerConnection, error)

// PionFactory builds pion peers. The supervisor peer receives audio and video
// without sending any; the candidate peer sends LocalTracks.
type PionFactory struct {
	Config      webrtc.Configuration
	LocalTracks func() []webrtc.TrackLocal
	OnTrack     func(track *webrtc.TrackRemote)
}

// ICEConfig turns STUN/TURN URLs into a pion configuration.
func ICEConfig(urls []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range urls {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return cfg
}

// New implements PeerFactory.
func (f *PionFactory) New(role model.PeerRole) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}

	switch role {
	case model.PeerSupervisor:
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	case model.PeerCandidate:
		if f.LocalTracks != nil {
			for _, track := range f.LocalTracks() {
				if _, err := pc.AddTrack(track); err != nil {
					_ = pc.Close()
					return nil, fmt.Errorf("add local track: %w", err)
				}
			}
		}
	}

	if f.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			f.OnTrack(track)
		})
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error)  { return p.pc.CreateOffer(nil) }
func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) { return p.pc.CreateAnswer(nil) }

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	// Closing stops the local tracks' senders.
	for _, sender := range p.pc.GetSenders() {
		_ = p.pc.RemoveTrack(sender)
	}
	return p.pc.Close()
}
