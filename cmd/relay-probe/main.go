package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	sig "github.com/stemsi/exstem-proctor/internal/signaling"
)

// relay-probe joins a session's relay as a headless supervisor peer and
// reports connection states and received media until interrupted.
func main() {
	examFlag := flag.String("exam", "", "exam ID")
	sessionFlag := flag.String("session", "", "session ID")
	timeout := flag.Duration("timeout", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	examID, err := uuid.Parse(*examFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a valid -exam is required")
		os.Exit(2)
	}
	sessionID, err := uuid.Parse(*sessionFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a valid -session is required")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().
		Str("exam_id", examID.String()).
		Str("session_id", sessionID.String()).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	var received atomic.Int64
	factory := &sig.PionFactory{
		Config: sig.ICEConfig(cfg.ICEServers),
		OnTrack: func(track *webrtc.TrackRemote) {
			log.Info().
				Str("kind", track.Kind().String()).
				Str("codec", track.Codec().MimeType).
				Msg("Remote track")
			buf := make([]byte, 1500)
			for {
				n, _, err := track.Read(buf)
				if err != nil {
					return
				}
				received.Add(int64(n))
			}
		},
	}

	hub := sig.NewRedisHub(rdb, cfg.SignalTTL)
	relay := sig.NewRelay(model.PeerSupervisor, hub.Mailbox(examID, sessionID), factory.New, log)
	relay.OnStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("state", s.String()).Msg("Connection state")
	})

	if err := relay.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay")
	}
	defer relay.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("bytes", received.Load()).Msg("Probe finished")
			return
		case <-relay.Done():
			log.Warn().Msg("Relay stopped")
			return
		case <-ticker.C:
			log.Info().
				Str("state", relay.State().String()).
				Int64("bytes", received.Load()).
				Msg("Probe status")
		}
	}
}
