// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package stats implements the pure SPC math: control-chart constants,
// process-sigma estimators, control-limit calculators and zone
// classification.
package stats

import "errors"

// ErrInvalidSubgroupSize is returned for subgroup sizes outside [1, 25].
var ErrInvalidSubgroupSize = errors.New("subgroup size must be between 1 and 25")

// ChartConstants are the ASTM E2587 control-chart constants for one subgroup
// size.
type ChartConstants struct {
	D2 float64
	C4 float64
	A2 float64
	D3 float64
	D4 float64
}

// The n=1 row carries the span-2 moving-range constants (d2 of 1.128, E2 of
// 2.660 in the A2 column) so that I-MR charts can read from the same table.
var constantsTable = map[int]ChartConstants{
	1:  {D2: 1.128, C4: 0.7979, A2: 2.660, D3: 0, D4: 3.267},
	2:  {D2: 1.128, C4: 0.7979, A2: 1.880, D3: 0, D4: 3.267},
	3:  {D2: 1.693, C4: 0.8862, A2: 1.023, D3: 0, D4: 2.574},
	4:  {D2: 2.059, C4: 0.9213, A2: 0.729, D3: 0, D4: 2.282},
	5:  {D2: 2.326, C4: 0.9400, A2: 0.577, D3: 0, D4: 2.114},
	6:  {D2: 2.534, C4: 0.9515, A2: 0.483, D3: 0, D4: 2.004},
	7:  {D2: 2.704, C4: 0.9594, A2: 0.419, D3: 0.076, D4: 1.924},
	8:  {D2: 2.847, C4: 0.9650, A2: 0.373, D3: 0.136, D4: 1.864},
	9:  {D2: 2.970, C4: 0.9693, A2: 0.337, D3: 0.184, D4: 1.816},
	10: {D2: 3.078, C4: 0.9727, A2: 0.308, D3: 0.223, D4: 1.777},
	11: {D2: 3.173, C4: 0.9754, A2: 0.285, D3: 0.256, D4: 1.744},
	12: {D2: 3.258, C4: 0.9776, A2: 0.266, D3: 0.283, D4: 1.717},
	13: {D2: 3.336, C4: 0.9794, A2: 0.249, D3: 0.307, D4: 1.693},
	14: {D2: 3.407, C4: 0.9810, A2: 0.235, D3: 0.328, D4: 1.672},
	15: {D2: 3.472, C4: 0.9823, A2: 0.223, D3: 0.347, D4: 1.653},
	16: {D2: 3.532, C4: 0.9835, A2: 0.212, D3: 0.363, D4: 1.637},
	17: {D2: 3.588, C4: 0.9845, A2: 0.203, D3: 0.378, D4: 1.622},
	18: {D2: 3.640, C4: 0.9854, A2: 0.194, D3: 0.391, D4: 1.608},
	19: {D2: 3.689, C4: 0.9862, A2: 0.187, D3: 0.403, D4: 1.597},
	20: {D2: 3.735, C4: 0.9869, A2: 0.180, D3: 0.415, D4: 1.585},
	21: {D2: 3.778, C4: 0.9876, A2: 0.173, D3: 0.425, D4: 1.575},
	22: {D2: 3.819, C4: 0.9882, A2: 0.167, D3: 0.434, D4: 1.566},
	23: {D2: 3.858, C4: 0.9887, A2: 0.162, D3: 0.443, D4: 1.557},
	24: {D2: 3.895, C4: 0.9892, A2: 0.157, D3: 0.451, D4: 1.548},
	25: {D2: 3.931, C4: 0.9896, A2: 0.153, D3: 0.459, D4: 1.541},
}

// Constants returns the chart constants for a subgroup size in [1, 25].
func Constants(n int) (ChartConstants, error) {
	c, ok := constantsTable[n]
	if !ok {
		return ChartConstants{}, ErrInvalidSubgroupSize
	}
	return c, nil
}
