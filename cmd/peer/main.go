package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
	"manualpilot/relay/internal"
	"manualpilot/relay/internal/peer"
)

type Env struct {
	RelayURL   string        `env:"RELAY_URL,default=ws://localhost:5050/ws"`
	Interval   time.Duration `env:"SEND_INTERVAL,default=5s"`
	Message    string        `env:"MESSAGE,default=Hello from Go peer"`
	MinBackoff time.Duration `env:"MIN_BACKOFF,default=250ms"`
	MaxBackoff time.Duration `env:"MAX_BACKOFF,default=10s"`
	MaxRetries int           `env:"MAX_RETRIES,default=8"`
}

func doMain(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	cfg := peer.Config{
		URL:      env.RelayURL,
		Interval: env.Interval,
		Message:  env.Message,
		Retry:    peer.DefaultRetry(env.MinBackoff, env.MaxBackoff, env.MaxRetries),
	}

	p := peer.New(cfg, logger, func(event internal.Event) {
		switch event.Kind {
		case internal.EventConnect:
			logger.Info("connected to relay")
		case internal.EventDisconnect:
			logger.Info("disconnected from relay")
		case internal.EventConfirmation:
			logger.Info("relay response", slog.String("data", string(event.Data)))
		case internal.EventBroadcastData:
			logger.Info("received broadcast data", slog.String("data", string(event.Data)))
		case internal.EventInboundData:
		}
	})

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sc)

	go func() {
		select {
		case sig := <-sc:
			logger.Warn("shutdown signal", slog.String("signal", sig.String()))
			p.Shutdown()
		case <-ctx.Done():
		}
	}()

	return p.Run(ctx)
}

func main() {
	handler := slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	if err := doMain(logger); err != nil {
		logger.Error("peer stopped", err)
		os.Exit(1)
	}
}
