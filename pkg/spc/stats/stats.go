// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package stats

import (
	"errors"
	"math"
)

// DefaultMovingRangeSpan is the span used for I-MR moving ranges.
const DefaultMovingRangeSpan = 2

// ErrNotEnoughData is returned when a calculator is handed fewer points than
// its method needs.
var ErrNotEnoughData = errors.New("not enough data points to compute limits")

// Method selects the sigma-estimation method for a subgroup size.
type Method string

// Estimation methods.
const (
	MethodMovingRange Method = "moving_range"
	MethodRBar        Method = "r_bar"
	MethodSBar        Method = "s_bar"
)

// MethodForSize returns the estimation method for a subgroup size:
// moving range for individuals, R̄ up to 10, S̄ from 11 on.
func MethodForSize(n int) (Method, error) {
	switch {
	case n == 1:
		return MethodMovingRange, nil
	case n >= 2 && n <= 10:
		return MethodRBar, nil
	case n >= 11 && n <= 25:
		return MethodSBar, nil
	}
	return "", ErrInvalidSubgroupSize
}

// Limits are computed control limits. Sigma is the process sigma, not the
// sigma of the subgroup means; the spread of Upper/Lower around Center
// already accounts for the subgroup size.
type Limits struct {
	Center float64
	Upper  float64
	Lower  float64
	Sigma  float64
	Method Method
}

// Mean returns the arithmetic mean of values. Zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Range returns max−min of values. Zero for fewer than two values.
func Range(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max - min
}

// StdDev returns the sample standard deviation (n−1 denominator).
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// SigmaFromRBar estimates process sigma as R̄/d2(n).
func SigmaFromRBar(rbar float64, n int) (float64, error) {
	c, err := Constants(n)
	if err != nil {
		return 0, err
	}
	return rbar / c.D2, nil
}

// SigmaFromSBar estimates process sigma as S̄/c4(n).
func SigmaFromSBar(sbar float64, n int) (float64, error) {
	c, err := Constants(n)
	if err != nil {
		return 0, err
	}
	return sbar / c.C4, nil
}

// MovingRanges returns the |vᵢ − vᵢ₋span₊₁| series for the given span.
func MovingRanges(values []float64, span int) []float64 {
	if span < 2 || len(values) < span {
		return nil
	}
	out := make([]float64, 0, len(values)-span+1)
	for i := span - 1; i < len(values); i++ {
		lo, hi := values[i-span+1], values[i-span+1]
		for _, v := range values[i-span+2 : i+1] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		out = append(out, hi-lo)
	}
	return out
}

// SigmaFromMovingRange estimates process sigma for individuals as
// MR̄/d2(span).
func SigmaFromMovingRange(values []float64, span int) (float64, error) {
	if span < 2 || span > 25 {
		return 0, ErrInvalidSubgroupSize
	}
	mrs := MovingRanges(values, span)
	if len(mrs) == 0 {
		return 0, ErrNotEnoughData
	}
	c, err := Constants(span)
	if err != nil {
		return 0, err
	}
	return Mean(mrs) / c.D2, nil
}

// ComputeLimits computes X̄ chart limits for subgroup size n.
//
// For n=1 (I-MR), means are the individual values and dispersions is ignored;
// limits sit at ±3σ. For 2..10 (X̄-R), dispersions are subgroup ranges; for
// 11..25 (X̄-S) they are subgroup standard deviations. In both subgrouped
// cases the limit spread is 3·σ/√n.
func ComputeLimits(n int, means, dispersions []float64) (Limits, error) {
	method, err := MethodForSize(n)
	if err != nil {
		return Limits{}, err
	}
	if len(means) < 2 {
		return Limits{}, ErrNotEnoughData
	}

	center := Mean(means)
	var sigma float64

	switch method {
	case MethodMovingRange:
		sigma, err = SigmaFromMovingRange(means, DefaultMovingRangeSpan)
	case MethodRBar:
		if len(dispersions) == 0 {
			return Limits{}, ErrNotEnoughData
		}
		sigma, err = SigmaFromRBar(Mean(dispersions), n)
	case MethodSBar:
		if len(dispersions) == 0 {
			return Limits{}, ErrNotEnoughData
		}
		sigma, err = SigmaFromSBar(Mean(dispersions), n)
	}
	if err != nil {
		return Limits{}, err
	}

	spread := 3 * sigma
	if n > 1 {
		spread = 3 * sigma / math.Sqrt(float64(n))
	}

	return Limits{
		Center: center,
		Upper:  center + spread,
		Lower:  center - spread,
		Sigma:  sigma,
		Method: method,
	}, nil
}

// RangeChartLimits computes R-chart limits: CL=R̄, UCL=D4·R̄, LCL=D3·R̄.
func RangeChartLimits(rbar float64, n int) (Limits, error) {
	c, err := Constants(n)
	if err != nil {
		return Limits{}, err
	}
	return Limits{
		Center: rbar,
		Upper:  c.D4 * rbar,
		Lower:  c.D3 * rbar,
		Method: MethodRBar,
	}, nil
}
