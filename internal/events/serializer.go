// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package events

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strideworks/stridesync/internal/models"
)

// SerializeEvent marshals a progress event for the wire.
func SerializeEvent(event *models.ProgressEvent) ([]byte, error) {
	if event.SyncID == uuid.Nil {
		return nil, fmt.Errorf("progress event has no sync id")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal progress event: %w", err)
	}
	return data, nil
}

// DeserializeEvent unmarshals a wire payload back into a progress event.
func DeserializeEvent(data []byte) (*models.ProgressEvent, error) {
	var event models.ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal progress event: %w", err)
	}
	return &event, nil
}
