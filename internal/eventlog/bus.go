// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package eventlog is the fan-out/SSE layer over internal/store's
// append/list/stats/retention SQL primitives (spec §4.7, §4.8): every
// CreateEventLog also gets mirrored onto a pub/sub channel so live SSE
// subscribers in this or any other process see it without polling the
// table.
package eventlog

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Bus is the narrow publish/subscribe contract, mirroring
// ManuGH-xg2g/internal/pipeline/bus.Bus's shape but carrying opaque
// payload bytes instead of a typed Message, since the payload here is
// always a JSON-encoded model.EventLog or quota.ProfileQuota.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscriber, error)
}

// Subscriber is one channel subscription.
type Subscriber interface {
	C() <-chan []byte
	Close() error
}

// RedisBus is the cross-process Bus implementation (spec §4.6/§4.7's "pushes
// a notification to any SSE subscribers" across worker processes).
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return &redisSubscriber{ps: ps, out: out}, nil
}

type redisSubscriber struct {
	ps  *redis.PubSub
	out <-chan []byte
}

func (s *redisSubscriber) C() <-chan []byte {
	return s.out
}

func (s *redisSubscriber) Close() error {
	return s.ps.Close()
}
