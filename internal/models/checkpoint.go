// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// CheckpointSchemaVersion is the version written into new checkpoint blobs.
// Blobs with an unknown version are treated as "no checkpoint", which
// restarts the current phase only, never the whole session.
const CheckpointSchemaVersion = 1

// PageParams fully describes the next page to fetch from the source API.
// Every field is serializable so a resumed session reissues the exact next
// page rather than restarting from page 1.
type PageParams struct {
	Page    int       `json:"page"`
	PerPage int       `json:"per_page"`
	After   time.Time `json:"after,omitempty"`
	Before  time.Time `json:"before,omitempty"`
}

// Checkpoint is the durable, resumable snapshot of in-progress work saved
// after each committed step. The blob is opaque to the state manager; only
// the orchestrator interprets it.
type Checkpoint struct {
	SchemaVersion int       `json:"schema_version"`
	Phase         SyncPhase `json:"phase"`

	// Cursor is the next page to fetch when resuming in the fetch phase.
	Cursor PageParams `json:"cursor"`

	// CompletedPages is the count of pages whose storage commit is durable.
	CompletedPages int `json:"completed_pages"`

	Fetched  int `json:"fetched"`
	Enriched int `json:"enriched"`
	Stored   int `json:"stored"`
	Failed   int `json:"failed"`

	// ErrorActivities lists external ids of items that failed enrichment or
	// storage, kept for manual retry and accounting.
	ErrorActivities []string `json:"error_activities,omitempty"`

	// PendingBatch is set only when a batch was in flight at a failure
	// boundary; otherwise omitted.
	PendingBatch *BatchInfo `json:"pending_batch,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Encode serializes the checkpoint, stamping the current schema version.
func (c *Checkpoint) Encode() ([]byte, error) {
	c.SchemaVersion = CheckpointSchemaVersion
	c.SavedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses a checkpoint blob. It returns (nil, nil) for empty
// blobs and for blobs whose schema version is unknown: both mean the caller
// should restart the current phase from scratch rather than fail the session.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if probe.SchemaVersion != CheckpointSchemaVersion {
		// Unknown or older schema: safer to restart the phase than to
		// attempt a partial blob migration.
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
