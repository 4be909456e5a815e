// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

// Package events publishes sync progress over NATS JetStream via Watermill.
// Publishing is best-effort observability: a failed publish is counted and
// logged but never fails the sync that produced the event.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/strideworks/stridesync/internal/logging"
	"github.com/strideworks/stridesync/internal/metrics"
	"github.com/strideworks/stridesync/internal/models"
)

// PublisherConfig configures the NATS progress publisher.
type PublisherConfig struct {
	URL             string
	Topic           string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

// DefaultPublisherConfig returns production settings for the given URL.
func DefaultPublisherConfig(url, topic string) PublisherConfig {
	return PublisherConfig{
		URL:             url,
		Topic:           topic,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
	}
}

// Publisher emits progress events to a fixed topic. The circuit breaker
// keeps a flapping broker from stalling the sync pipeline behind publish
// timeouts.
type Publisher struct {
	publisher message.Publisher
	topic     string
	cb        *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a JetStream-backed progress publisher.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:   false,
			TrackMsgId: true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return NewPublisherWith(pub, cfg.Topic), nil
}

// NewPublisherWith wraps an existing Watermill publisher. Tests hand in a
// gochannel pub/sub here.
func NewPublisherWith(pub message.Publisher, topic string) *Publisher {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "progress-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
	})
	return &Publisher{publisher: pub, topic: topic, cb: cb}
}

// PublishProgress serializes and publishes one progress event. The event's
// sync id doubles as part of the NATS message id for broker deduplication.
// Errors are recorded but swallowed; progress reporting never fails a sync.
func (p *Publisher) PublishProgress(ctx context.Context, event *models.ProgressEvent) {
	if err := p.publish(event); err != nil {
		metrics.ProgressEventErrors.Inc()
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("sync_id", event.SyncID.String()).
			Str("status", string(event.Status)).
			Msg("Failed to publish progress event")
		return
	}
	metrics.ProgressEventsPublished.Inc()
}

func (p *Publisher) publish(event *models.ProgressEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	data, err := SerializeEvent(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("sync_id", event.SyncID.String())
	msg.Metadata.Set("user_id", event.UserID)
	msg.Metadata.Set("status", string(event.Status))
	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	_, err = p.cb.Execute(func() (any, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	return err
}

// Close shuts the publisher down. Safe to call twice.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
