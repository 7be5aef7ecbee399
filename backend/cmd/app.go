package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/callsession/backend/arbitrator"
	"github.com/adwski/callsession/backend/config"
	"github.com/adwski/callsession/backend/dispatcher"
	httpServer "github.com/adwski/callsession/backend/server/http"
	websocketServer "github.com/adwski/callsession/backend/server/websocket"
	"github.com/adwski/callsession/backend/service"
	store "github.com/adwski/callsession/backend/storage/memory"
	sw "github.com/adwski/callsession/backend/switch"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	appLogger, logCloser, err := cfg.Logger(os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up logging")
	}
	logger = appLogger
	defer func() {
		_ = logCloser.Close()
	}()

	sessions, err := store.NewMemStore(cfg.EndedCacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session store")
	}

	var (
		swtch = sw.NewSwitch(&logger)
		out   = service.NewOutbound(swtch)
		d     = dispatcher.New(dispatcher.Config{
			Logger: &logger,
			Store:  sessions,
			Arbiter: arbitrator.New(arbitrator.Config{
				Logger:            &logger,
				CallOwningScreens: cfg.CallOwningScreens,
			}),
			Negotiator:   out,
			Presenter:    out,
			Notifier:     out,
			Reporter:     out,
			Announcer:    out,
			Clock:        clock.New(),
			RingTimeout:  cfg.RingTimeout,
			DurationTick: cfg.DurationTick,
			LocalUserID:  cfg.LocalUser,
		})
		svc = service.NewService(service.Config{
			Dispatcher: d,
			Switch:     swtch,
			Logger:     &logger,
		})
	)
	defer svc.Close()

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		CallService: svc,
		ListenAddr:  cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go d.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
