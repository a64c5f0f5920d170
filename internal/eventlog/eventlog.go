// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/quota"
	"github.com/soraflow/dispatcher/internal/store"
)

const streamChannel = "eventlog.stream"

// Store is the narrow SQL surface this package fans out over
// (internal/store/events.go).
type Store interface {
	CreateEventLog(ctx context.Context, spec model.EventLogSpec, maskMode string, retain store.RetentionConfig) (*model.EventLog, error)
	ListEventLogs(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error)
	ListEventLogsSince(ctx context.Context, afterID int64, limit int) ([]model.EventLog, error)
	EventLogStats(ctx context.Context, since time.Time) (*model.EventLogStats, error)
}

// Service is the public EventLog façade: durable append (delegated to
// Store) plus live fan-out over Bus for SSE subscribers.
type Service struct {
	store    Store
	bus      Bus // nil disables live push; Stream then falls back to polling
	maskMode string
	retain   store.RetentionConfig

	pollInterval time.Duration
}

func New(st Store, bus Bus, maskMode string, retain store.RetentionConfig) *Service {
	return &Service{store: st, bus: bus, maskMode: maskMode, retain: retain, pollInterval: 2 * time.Second}
}

// Append persists spec through the single create_event_log entrypoint (spec
// §4.7) and best-effort publishes the new row for live subscribers. A
// publish failure never fails the append — the row is already durable.
func (s *Service) Append(ctx context.Context, spec model.EventLogSpec) (*model.EventLog, error) {
	ev, err := s.store.CreateEventLog(ctx, spec, s.maskMode, s.retain)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		if data, merr := json.Marshal(ev); merr == nil {
			if perr := s.bus.Publish(ctx, streamChannel, data); perr != nil {
				dispatcherlog.L().Warn().Err(perr).Msg("eventlog: publish to stream channel failed")
			}
		}
	}
	return ev, nil
}

func (s *Service) List(ctx context.Context, filter model.EventLogFilter) (*model.EventLogPage, error) {
	return s.store.ListEventLogs(ctx, filter)
}

func (s *Service) Stats(ctx context.Context, since time.Time) (*model.EventLogStats, error) {
	return s.store.EventLogStats(ctx, since)
}

// Stream serves the SSE endpoint (spec §4.7's list_event_logs_since): it
// replays everything after afterID, then switches to live delivery. When no
// Bus is configured it keeps polling ListEventLogsSince on pollInterval
// instead — strictly weaker real-time guarantees but functionally identical
// to a subscriber. The returned channel closes when ctx is done.
func (s *Service) Stream(ctx context.Context, afterID int64) <-chan model.EventLog {
	out := make(chan model.EventLog, 64)

	go func() {
		defer close(out)

		cursor := afterID
		replay, err := s.store.ListEventLogsSince(ctx, cursor, 500)
		if err != nil {
			dispatcherlog.L().Error().Err(err).Msg("eventlog: initial replay failed")
		}
		for _, ev := range replay {
			select {
			case out <- ev:
				cursor = ev.ID
			case <-ctx.Done():
				return
			}
		}

		if s.bus == nil {
			s.pollLoop(ctx, out, cursor)
			return
		}

		sub, err := s.bus.Subscribe(ctx, streamChannel)
		if err != nil {
			dispatcherlog.L().Error().Err(err).Msg("eventlog: subscribe failed, falling back to polling")
			s.pollLoop(ctx, out, cursor)
			return
		}
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				var ev model.EventLog
				if err := json.Unmarshal(payload, &ev); err != nil {
					continue
				}
				if ev.ID <= cursor {
					continue // already replayed, or a duplicate delivery
				}
				select {
				case out <- ev:
					cursor = ev.ID
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (s *Service) pollLoop(ctx context.Context, out chan<- model.EventLog, cursor int64) {
	interval := s.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := s.store.ListEventLogsSince(ctx, cursor, 500)
			if err != nil {
				dispatcherlog.L().Warn().Err(err).Msg("eventlog: poll failed")
				continue
			}
			for _, ev := range rows {
				select {
				case out <- ev:
					cursor = ev.ID
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// QuotaNotifier adapts Service's Bus onto internal/quota.Notifier, so a live
// quota observation (spec §4.6) rides the same pub/sub transport as the
// event-log stream, on its own channel.
type QuotaNotifier struct {
	bus Bus
}

func NewQuotaNotifier(bus Bus) *QuotaNotifier {
	return &QuotaNotifier{bus: bus}
}

// PublishQuotaObserved satisfies internal/quota.Notifier.
func (n *QuotaNotifier) PublishQuotaObserved(ctx context.Context, obs quota.ProfileQuota) error {
	if n.bus == nil {
		return nil
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("eventlog: marshal quota observation: %w", err)
	}
	return n.bus.Publish(ctx, "quota.observed", data)
}
