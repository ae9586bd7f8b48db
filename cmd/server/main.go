package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/joinapi"
	"github.com/dkeye/Meet/internal/adapters/loopback"
	"github.com/dkeye/Meet/internal/adapters/mixer"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/broadcast"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/layout"
	"github.com/dkeye/Meet/internal/platform/lifecycle"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}

// localMedia builds the silent tracks the agent publishes into group.
func localMedia(group domain.ParticipantGroup) (*core.MediaStream, error) {
	streamID := "agent-" + string(group)
	video, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeVideo, streamID+"-video", streamID)
	if err != nil {
		return nil, err
	}
	if group == domain.GroupDisplay {
		return core.NewMediaStream(video), nil
	}
	audio, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeAudio, streamID+"-audio", streamID)
	if err != nil {
		return nil, err
	}
	return core.NewMediaStream(audio, video), nil
}

func run(cfg *config.Config) error {
	m := metrics.New()
	host := lifecycle.New()
	ctx, stop := host.WatchSignals(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var token core.TokenProvider
	if cfg.AuthToken != "" {
		token = func(context.Context) (string, error) { return cfg.AuthToken, nil }
	}
	httpClient := &http.Client{Timeout: cfg.ConnectTimeout}

	joiner, err := joinapi.New(joinapi.Config{URL: cfg.JoinURL, HTTPClient: httpClient, Auth: token})
	if err != nil {
		return err
	}
	layoutCfg, err := cfg.LayoutConfig()
	if err != nil {
		return err
	}
	solver := layout.NewSolver(layoutCfg)

	bc := broadcast.NewClient(broadcast.Config{
		Stream:         cfg.StreamConfig(),
		ConnectTimeout: cfg.ConnectTimeout,
		Solver:         solver,
		NewCompositor:  mixer.Factory(mixer.WHIPPublisher(rtc.PublisherConfig{ICEServers: cfg.ICEServers, HTTPClient: httpClient})),
		Events: core.BroadcastEventMap{
			ActiveStateChange: func(active bool) {
				log.Info().Str("module", "broadcast").Bool("active", active).Msg("broadcast active state")
			},
			ConnectionStateChange: func(s core.BroadcastConnectionState) {
				log.Info().Str("module", "broadcast").Str("state", string(s)).Msg("broadcast connection state")
			},
			Error: func(e *core.BroadcastError) {
				log.Error().Str("module", "broadcast").Str("name", e.Name).Int("code", e.Code).Msg(e.Message)
			},
		},
		Metrics: m,
	})
	binder := broadcast.NewBinder(bc, broadcast.NewPresets(bc, httpClient))

	var messages orch.MessengerFactory
	if cfg.MessagesURL != "" {
		messages = func(meetingID string, stages *stage.Factory) (orch.Messenger, error) {
			c, err := signal.NewClient(signal.Config{
				URL:       cfg.MessagesURL,
				MeetingID: meetingID,
				Token:     token,
				OnEvent:   signal.StageDispatcher(stages, m),
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	backend := loopback.NewBackend()
	o := orch.New(orch.Config{
		Joiner:          joiner,
		Dial:            backend.Dialer,
		Messages:        messages,
		Media:           localMedia,
		Host:            host,
		PublishCapacity: cfg.PublishCapacity,
		Stage:           stage.Options{RepublishDelay: cfg.RepublishDelay, Metrics: m},
		Simulcast:       cfg.Simulcast,
		Broadcast:       bc,
		Binder:          binder,
		Metrics:         m,
	})

	limiter := router.NewRateLimiter(cfg.RateLimit, cfg.RateLimitEvery)
	r := router.SetupRouter(cfg, router.Deps{Orch: o, Broadcast: bc, Solver: solver, Metrics: m, Limiter: limiter})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		binder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		host.WatchConnectivity(gctx, cfg.OnlineProbeInterval, lifecycle.HTTPProbe(httpClient, cfg.JoinURL))
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimitEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Meet agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Destroy(); err != nil && !errors.Is(err, orch.ErrNotJoined) {
			log.Warn().Err(err).Msg("destroy meeting")
		}
		bc.DeleteClient(true)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
