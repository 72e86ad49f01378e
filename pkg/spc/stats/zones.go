// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package stats

import "github.com/openspc/openspc/pkg/model"

// ZoneBoundaries are the ±1/2/3σ bands of a control chart around its center
// line. The bands are derived from Center and Sigma; Sigma is the process
// sigma divided by √n for subgrouped charts, i.e. the sigma of the plotted
// means.
type ZoneBoundaries struct {
	Center float64
	Sigma  float64
}

// BoundariesFromLimits derives zone boundaries from stored control limits.
// The distance CL→UCL is 3 band-widths by construction.
func BoundariesFromLimits(center, ucl float64) ZoneBoundaries {
	return ZoneBoundaries{Center: center, Sigma: (ucl - center) / 3}
}

// Classify maps a plotted value onto its chart zone. Bands are half-open with
// the boundary belonging to the band above it, mirroring below the center
// line so that a value exactly on CL is zone_c_upper.
func (z ZoneBoundaries) Classify(v float64) model.Zone {
	if z.Sigma <= 0 {
		switch {
		case v > z.Center:
			return model.ZoneBeyondUCL
		case v < z.Center:
			return model.ZoneBeyondLCL
		}
		return model.ZoneCUpper
	}

	d := (v - z.Center) / z.Sigma
	switch {
	case d >= 3:
		return model.ZoneBeyondUCL
	case d >= 2:
		return model.ZoneAUpper
	case d >= 1:
		return model.ZoneBUpper
	case d >= 0:
		return model.ZoneCUpper
	case d >= -1:
		return model.ZoneCLower
	case d >= -2:
		return model.ZoneBLower
	case d >= -3:
		return model.ZoneALower
	}
	return model.ZoneBeyondLCL
}

// SigmaDistance returns the signed distance of v from the center line in
// band-widths. Zero when no dispersion has been established.
func (z ZoneBoundaries) SigmaDistance(v float64) float64 {
	if z.Sigma <= 0 {
		return 0
	}
	return (v - z.Center) / z.Sigma
}
