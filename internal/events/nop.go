// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package events

import (
	"context"

	"github.com/strideworks/stridesync/internal/models"
)

// NopPublisher discards progress events. Used when NATS is disabled.
type NopPublisher struct{}

// PublishProgress does nothing.
func (NopPublisher) PublishProgress(context.Context, *models.ProgressEvent) {}
