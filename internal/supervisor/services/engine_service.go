// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package services

import "context"

// Runner is any component whose lifetime is a single blocking Serve call.
// Satisfied by *orchestrator.Engine.
type Runner interface {
	Serve(ctx context.Context) error
}

// EngineService supervises the sync engine. The engine's own Serve handles
// cooperative drain of in-flight sessions; this wrapper only names it for
// suture's event log.
type EngineService struct {
	engine Runner
}

// NewEngineService wraps the sync engine as a supervised service.
func NewEngineService(engine Runner) *EngineService {
	return &EngineService{engine: engine}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	return s.engine.Serve(ctx)
}

// String identifies the service in suture's event log.
func (s *EngineService) String() string {
	return "sync-engine"
}
