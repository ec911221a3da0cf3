package main

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/adapters/activity"
	"github.com/dkeye/Collab/internal/adapters/identity"
	"github.com/dkeye/Collab/internal/adapters/presence"
	"github.com/dkeye/Collab/internal/adapters/store"
	"github.com/dkeye/Collab/internal/app"
	"github.com/dkeye/Collab/internal/config"
	"github.com/dkeye/Collab/internal/core"
)

type deps struct {
	rooms    core.RoomManager
	auth     *app.Authenticator
	store    app.AssessmentStore
	policy   app.Policy
	activity app.ActivitySink
	presence app.PresenceMirror

	closers []func(context.Context) error
}

func (d *deps) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("close dependency")
		}
	}
}

func wire(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{rooms: core.NewRoomManager(cfg.RoomShards)}

	var provider app.IdentityProvider
	switch cfg.Auth.Provider {
	case "remote":
		provider = identity.NewRemoteVerifier(cfg.Auth.RemoteURL, cfg.Auth.Timeout)
	default:
		provider = identity.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	d.auth = app.NewAuthenticator(provider, cfg.Auth.Timeout)

	switch cfg.Store.Driver {
	case "mysql":
		s, err := store.NewMySQL(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		d.store = s
		d.closers = append(d.closers, func(context.Context) error { return s.Close() })
	default:
		d.store = store.NewMemoryStore(cfg.Mode != "release")
	}

	policy, err := app.ParsePolicy(cfg.OverflowPolicy, cfg.OverflowKickAfter)
	if err != nil {
		return nil, err
	}
	d.policy = policy

	d.presence = app.NopPresence{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			d.close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		m := presence.NewMirror(rdb, presence.Options{TTL: cfg.Redis.TTL})
		d.presence = m
		d.closers = append(d.closers, func(context.Context) error { return rdb.Close() }, m.Close)
	}

	d.activity = app.NopActivity{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := activity.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			d.close(ctx)
			return nil, fmt.Errorf("kafka: %w", err)
		}
		disp := activity.NewDispatcher(producer, cfg.Kafka.Topic, activity.Options{
			QueueSize: cfg.Kafka.QueueSize,
			Workers:   cfg.Kafka.Workers,
			MaxRetry:  cfg.Kafka.MaxRetry,
		})
		d.activity = disp
		d.closers = append(d.closers, func(context.Context) error { return producer.Close() }, disp.Close)
	}

	log.Info().
		Str("auth", cfg.Auth.Provider).
		Str("store", cfg.Store.Driver).
		Bool("redis", cfg.Redis.Addr != "").
		Bool("kafka", len(cfg.Kafka.Brokers) > 0).
		Str("overflow", cfg.OverflowPolicy).
		Msg("dependencies wired")
	return d, nil
}
