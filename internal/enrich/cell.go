// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package enrich

import (
	"fmt"
	"math"

	"github.com/strideworks/stridesync/internal/models"
)

// geocodeCellPrecision is the grid size for the in-process geocode cache.
// Two decimal degrees is roughly a kilometre, coarse enough that a city
// resolves from one lookup.
const geocodeCellPrecision = 2

// cellKey buckets coordinates onto a fixed decimal-degree grid. Flooring
// keeps the bucketing stable at the half-way points where printf-style
// rounding and math.Round disagree, so every caller keys the same cell for
// the same coordinates.
func cellKey(coords models.Coordinates, precision int) string {
	scale := math.Pow10(precision)
	lat := math.Floor(coords.Latitude*scale) / scale
	lon := math.Floor(coords.Longitude*scale) / scale
	return fmt.Sprintf("%.*f:%.*f", precision, lat, precision, lon)
}
