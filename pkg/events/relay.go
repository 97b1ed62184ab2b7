// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lrhodin/webmessages/pkg/metrics"
)

const DefaultRelayChannel = "webmessages:events"

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay shares events between server processes that watch the same
// chat.db. Each process tags what it sends with its origin id and ignores
// its own messages when they come back.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	origin  string
	hub     *Hub
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type RelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(ctx context.Context, cfg RelayConfig, hub *Hub, log zerolog.Logger, m *metrics.Metrics) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisRelay(rdb, cfg.Channel, hub, log, m), nil
}

func newRedisRelay(rdb *redis.Client, channel string, hub *Hub, log zerolog.Logger, m *metrics.Metrics) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		metrics: m,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Forward publishes a locally produced event to the other processes.
func (r *RedisRelay) Forward(evt Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		r.log.Err(err).Str("type", string(evt.Type)).Msg("Failed to marshal relayed event")
		return
	}
	raw, err := json.Marshal(relayEnvelope{Origin: r.origin, Type: evt.Type, Payload: payload})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn().Err(err).Msg("Failed to publish event to relay")
		return
	}
	r.metrics.Relay("out")
}

// handle fans a relayed message out locally. It reports whether the
// message was delivered.
func (r *RedisRelay) handle(payload string) bool {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("Bad relay payload")
		return false
	}
	if env.Origin == r.origin || env.Type == "" {
		return false
	}
	r.metrics.Relay("in")
	r.hub.PublishLocal(Event{Type: env.Type, Payload: env.Payload})
	return true
}

// Start subscribes to the relay channel and registers the relay as the
// hub's forwarder. The subscription ends when ctx is done.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}
	r.hub.SetForwarder(r)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					r.log.Warn().Msg("Relay subscription closed")
					return
				}
				r.handle(msg.Payload)
			}
		}
	}()
	r.log.Info().Str("channel", r.channel).Str("origin", r.origin).Msg("Event relay started")
	return nil
}

func (r *RedisRelay) Close() error {
	r.hub.SetForwarder(nil)
	return r.rdb.Close()
}
