package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
	"manualpilot/relay/internal"
)

type Env struct {
	Host             string        `env:"HOST"`
	Port             int           `env:"PORT,default=5050"`
	InstanceID       string        `env:"INSTANCE_ID"`
	ServiceDomain    string        `env:"SERVICE_DOMAIN"`
	RedisURL         string        `env:"REDIS_URL"`
	OriginPatterns   []string      `env:"ORIGIN_PATTERNS"`
	EchoSender       bool          `env:"ECHO_SENDER,default=false"`
	ConfirmBroadcast bool          `env:"CONFIRM_BROADCAST,default=true"`
	SendBuffer       int           `env:"SEND_BUFFER,default=16"`
	MaxMessageBytes  int64         `env:"MAX_MESSAGE_BYTES,default=65536"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	PingInterval     time.Duration `env:"PING_INTERVAL,default=45s"`
	LayoutsFile      string        `env:"LAYOUTS_FILE,default=grid_layouts/layouts.json"`
}

func doMain(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	if env.InstanceID == "" {
		kid, err := ksuid.NewRandom()
		if err != nil {
			return err
		}
		env.InstanceID = kid.String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	var tracker internal.Tracker = internal.NopTracker{}
	var rdb *redis.Client
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return err
		}

		rdb = redis.NewClient(rOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}

		//goland:noinspection GoUnhandledErrorResult
		defer rdb.Close()

		tracker = internal.NewRedisTracker(rdb, env.InstanceID)
	}

	router, relay := internal.Main(logger, tracker, internal.Options{
		InstanceID:       env.InstanceID,
		EchoSender:       env.EchoSender,
		ConfirmBroadcast: env.ConfirmBroadcast,
		SendBuffer:       env.SendBuffer,
		MaxMessageBytes:  env.MaxMessageBytes,
		WriteTimeout:     env.WriteTimeout,
		PingInterval:     env.PingInterval,
		OriginPatterns:   env.OriginPatterns,
		LayoutsFile:      env.LayoutsFile,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%v:%v", env.Host, env.Port),
		Handler: router,
	}

	if env.ServiceDomain != "" {
		if rdb == nil {
			return errors.New("SERVICE_DOMAIN requires REDIS_URL for certificate storage")
		}

		tlsConfig, err := TLSConfig(ctx, env.ServiceDomain, rdb)
		if err != nil {
			return err
		}

		server.TLSConfig = tlsConfig
	}

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return fmt.Errorf("http server: %w", err)
	}

	relay.Close(ctx)

	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()

	return server.Shutdown(sctx)
}

func main() {
	handler := slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	if err := doMain(logger); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
