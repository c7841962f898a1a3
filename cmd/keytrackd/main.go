// Command keytrackd runs the keytrack server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/keytrack/keytrack/internal/server"
	"github.com/keytrack/keytrack/keyspace"
)

func main() {
	var (
		addr            = flag.String("addr", envString("KEYTRACK_ADDR", "localhost:7411"), "listen address")
		maxTrackedKeys  = flag.Int("max-tracked-keys", envInt("KEYTRACK_MAX_TRACKED_KEYS", 1_000_000), "tracking table key budget, 0 for unbounded")
		deliveryTimeout = flag.Duration("delivery-timeout", envDuration("KEYTRACK_DELIVERY_TIMEOUT", 5*time.Second), "max wait for a session's delivery queue before disconnecting it")
		pushBuffer      = flag.Int("push-buffer", envInt("KEYTRACK_PUSH_BUFFER", 128), "per-session invalidation queue size")
		redisAddr       = flag.String("redis", envString("KEYTRACK_REDIS", ""), "back the keyspace with Redis at this address instead of memory")
		redisPassword   = flag.String("redis-password", envString("KEYTRACK_REDIS_PASSWORD", ""), "Redis password")
		redisDB         = flag.Int("redis-db", envInt("KEYTRACK_REDIS_DB", 0), "Redis database number")
		pretty          = flag.Bool("pretty", false, "human-readable log output")
		debug           = flag.Bool("debug", envString("KEYTRACK_DEBUG", "") != "", "debug logging")
	)
	flag.Parse()

	var out = os.Stderr
	var log zerolog.Logger
	if *pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(out)
	}
	log = log.With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	}

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	cfg.MaxTrackedKeys = *maxTrackedKeys
	cfg.DeliveryTimeout = *deliveryTimeout
	cfg.PushBuffer = *pushBuffer
	cfg.Logger = log

	if *redisAddr != "" {
		store, err := keyspace.NewRedisStore(*redisAddr, *redisPassword, *redisDB)
		if err != nil {
			log.Fatal().Err(err).Str("redis", *redisAddr).Msg("cannot connect to redis")
		}
		defer store.Close()
		cfg.KeySpace = store
		log.Info().Str("redis", *redisAddr).Msg("using redis keyspace")
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("cannot start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
