// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventlog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/soraflow/dispatcher/internal/eventlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/quota"
	"github.com/soraflow/dispatcher/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []model.EventLog
}

func (f *fakeStore) CreateEventLog(_ context.Context, spec model.EventLogSpec, _ string, _ store.RetentionConfig) (*model.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := model.EventLog{
		ID:     int64(len(f.rows) + 1),
		Source: spec.Source,
		Action: spec.Action,
		Status: spec.Status,
		Level:  spec.Level,
	}
	f.rows = append(f.rows, ev)
	return &ev, nil
}

func (f *fakeStore) ListEventLogs(context.Context, model.EventLogFilter) (*model.EventLogPage, error) {
	return &model.EventLogPage{}, nil
}

func (f *fakeStore) ListEventLogsSince(_ context.Context, afterID int64, limit int) ([]model.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EventLog
	for _, r := range f.rows {
		if r.ID > afterID {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) EventLogStats(context.Context, time.Time) (*model.EventLogStats, error) {
	return &model.EventLogStats{}, nil
}

func newMiniredisBus(t *testing.T) (eventlog.Bus, func()) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return eventlog.NewRedisBus(client), func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestService_Append_PersistsWithoutBus(t *testing.T) {
	fs := &fakeStore{}
	svc := eventlog.New(fs, nil, "basic", store.DefaultRetentionConfig())

	ev, err := svc.Append(context.Background(), model.EventLogSpec{Source: model.SourceTask, Action: "job.transition", Status: "ok", Level: model.LevelInfo})
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.ID)
}

func TestService_Stream_ReplaysBacklogThenPolls(t *testing.T) {
	fs := &fakeStore{}
	svc := eventlog.New(fs, nil, "basic", store.DefaultRetentionConfig())

	_, err := svc.Append(context.Background(), model.EventLogSpec{Source: model.SourceTask, Action: "a1", Status: "ok", Level: model.LevelInfo})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	ch := svc.Stream(ctx, 0)
	select {
	case ev := <-ch:
		require.Equal(t, "a1", ev.Action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestRedisBus_PublishSubscribeRoundtrip(t *testing.T) {
	bus, cleanup := newMiniredisBus(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "test.channel")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, "test.channel", []byte(`{"hello":"world"}`)))

	select {
	case payload := <-sub.C():
		require.JSONEq(t, `{"hello":"world"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestQuotaNotifier_PublishesOnBus(t *testing.T) {
	bus, cleanup := newMiniredisBus(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "quota.observed")
	require.NoError(t, err)
	defer sub.Close()

	notifier := eventlog.NewQuotaNotifier(bus)
	require.NoError(t, notifier.PublishQuotaObserved(ctx, quota.ProfileQuota{ProfileID: "p1", EffectiveRemaining: 3}))

	select {
	case payload := <-sub.C():
		require.Contains(t, string(payload), "p1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quota notification")
	}
}
