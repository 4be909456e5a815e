// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package services

import (
	"context"
	"errors"
	"time"
)

// Broker matches the embedded NATS server's lifecycle. The server is
// started at construction time (events.NewEmbeddedServer blocks until it
// accepts connections), so the service only watches health and shuts it
// down on cancellation.
type Broker interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// ErrBrokerStopped is returned when the broker dies underneath us, causing
// suture to restart the process's events layer.
var ErrBrokerStopped = errors.New("embedded event broker stopped unexpectedly")

// BrokerService supervises an already-started embedded broker.
type BrokerService struct {
	broker          Broker
	checkInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewBrokerService wraps the embedded NATS server as a supervised service.
func NewBrokerService(broker Broker, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{
		broker:          broker,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service: poll broker health until cancellation,
// then shut the broker down within the timeout.
func (s *BrokerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.broker.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.broker.IsRunning() {
				return ErrBrokerStopped
			}
		}
	}
}

// String identifies the service in suture's event log.
func (s *BrokerService) String() string {
	return "event-broker"
}
