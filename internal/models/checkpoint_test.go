// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package models

import (
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	cp := &Checkpoint{
		Phase: PhaseEnriching,
		Cursor: PageParams{
			Page:    4,
			PerPage: 50,
			After:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		CompletedPages:  3,
		Fetched:         150,
		Enriched:        142,
		Stored:          100,
		Failed:          8,
		ErrorActivities: []string{"ext-17", "ext-91"},
	}

	data, err := cp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if cp.SchemaVersion != CheckpointSchemaVersion {
		t.Errorf("encode should stamp schema version, got %d", cp.SchemaVersion)
	}

	got, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got == nil {
		t.Fatal("expected a decoded checkpoint")
	}
	if got.Phase != PhaseEnriching {
		t.Errorf("phase = %q, want %q", got.Phase, PhaseEnriching)
	}
	if got.Cursor.Page != 4 || got.Cursor.PerPage != 50 {
		t.Errorf("cursor = %+v, want page 4 per_page 50", got.Cursor)
	}
	if len(got.ErrorActivities) != 2 || got.ErrorActivities[0] != "ext-17" {
		t.Errorf("error activities = %v", got.ErrorActivities)
	}
}

func TestDecodeCheckpointEmpty(t *testing.T) {
	t.Parallel()

	got, err := DecodeCheckpoint(nil)
	if err != nil {
		t.Fatalf("decode nil: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil checkpoint for empty blob, got %+v", got)
	}
}

func TestDecodeCheckpointUnknownVersion(t *testing.T) {
	t.Parallel()

	// A future schema version must decode to "no checkpoint" so the current
	// phase restarts instead of the session failing.
	blob := []byte(`{"schema_version":99,"phase":"fetching","cursor":{"page":7}}`)
	got, err := DecodeCheckpoint(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != nil {
		t.Errorf("unknown schema version should yield nil checkpoint, got %+v", got)
	}
}

func TestDecodeCheckpointMalformed(t *testing.T) {
	t.Parallel()

	if _, err := DecodeCheckpoint([]byte(`{"schema_version":`)); err == nil {
		t.Error("expected an error for a truncated blob")
	}
}

func TestPercentComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		processed int
		estimated int
		want      float64
	}{
		{"zero over zero", 0, 0, 0},
		{"halfway", 50, 100, 50},
		{"complete", 120, 120, 100},
		{"processed exceeds estimate", 130, 100, 100},
		{"negative processed clamps", -5, 100, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := PercentComplete(tt.processed, tt.estimated); got != tt.want {
				t.Errorf("PercentComplete(%d, %d) = %v, want %v", tt.processed, tt.estimated, got, tt.want)
			}
		})
	}
}
