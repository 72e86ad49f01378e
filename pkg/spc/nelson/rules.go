// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package nelson implements the eight Nelson pattern-detection rules as
// stateless checkers over a rolling-window snapshot.
package nelson

import (
	"fmt"

	"github.com/openspc/openspc/pkg/model"
	"github.com/openspc/openspc/pkg/spc/window"
)

// RuleResult describes one fired rule.
type RuleResult struct {
	RuleID            int
	RuleName          string
	Severity          model.Severity
	InvolvedSampleIDs []int64
	Message           string
}

// Rule is one pattern detector. MinPoints is the smallest window the rule can
// fire on; check receives the full snapshot, oldest first.
type Rule struct {
	ID        int
	Name      string
	Severity  model.Severity
	MinPoints int
	check     func(entries []window.Entry) (bool, string)
}

// Rules returns the rule set in rule-id order.
func Rules() []Rule {
	return allRules
}

var allRules = []Rule{
	{1, "Outlier", model.SeverityCritical, 1, checkOutlier},
	{2, "Shift", model.SeverityWarning, 9, checkShift},
	{3, "Trend", model.SeverityWarning, 6, checkTrend},
	{4, "Alternator", model.SeverityWarning, 14, checkAlternator},
	{5, "Zone A", model.SeverityWarning, 3, checkZoneA},
	{6, "Zone B", model.SeverityWarning, 5, checkZoneB},
	{7, "Stratification", model.SeverityWarning, 15, checkStratification},
	{8, "Mixture", model.SeverityWarning, 8, checkMixture},
}

// CheckAll runs every enabled rule against the snapshot in rule-id order and
// returns the fired results. A nil enabled set enables everything.
func CheckAll(snapshot []window.Entry, enabled map[int]bool) []RuleResult {
	var results []RuleResult
	for _, r := range allRules {
		if enabled != nil && !enabled[r.ID] {
			continue
		}
		if len(snapshot) < r.MinPoints {
			continue
		}
		fired, msg := r.check(snapshot)
		if !fired {
			continue
		}
		tail := snapshot[len(snapshot)-r.MinPoints:]
		ids := make([]int64, len(tail))
		for i, e := range tail {
			ids[i] = e.SampleID
		}
		results = append(results, RuleResult{
			RuleID:            r.ID,
			RuleName:          r.Name,
			Severity:          r.Severity,
			InvolvedSampleIDs: ids,
			Message:           msg,
		})
	}
	return results
}

// Rule 1: the newest subgroup mean sits beyond a 3σ control limit.
func checkOutlier(entries []window.Entry) (bool, string) {
	e := entries[len(entries)-1]
	if e.Zone == model.ZoneBeyondUCL || e.Zone == model.ZoneBeyondLCL {
		return true, fmt.Sprintf("subgroup mean %.4f is beyond the 3-sigma control limits", e.Value)
	}
	return false, ""
}

// Rule 2: nine consecutive points on the same side of the center line. The
// rule fires once, when the run reaches nine; a longer run does not re-fire
// on every subsequent point.
func checkShift(entries []window.Entry) (bool, string) {
	run := sameSideRun(entries)
	if run != 9 {
		return false, ""
	}
	side := "above"
	if !entries[len(entries)-1].AboveCenter {
		side = "below"
	}
	return true, fmt.Sprintf("9 consecutive points %s the center line", side)
}

// sameSideRun counts how many consecutive tail entries sit strictly on the
// same side of the center line. A point exactly on the line ends the run.
func sameSideRun(entries []window.Entry) int {
	last := entries[len(entries)-1]
	if last.SigmaDistance == 0 && !last.AboveCenter {
		return 0
	}
	run := 1
	for i := len(entries) - 2; i >= 0; i-- {
		e := entries[i]
		onSide := e.AboveCenter == last.AboveCenter && !(e.SigmaDistance == 0 && !e.AboveCenter)
		if !onSide {
			break
		}
		run++
	}
	return run
}

// Rule 3: six points in a row strictly increasing or strictly decreasing.
func checkTrend(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-6:]
	up, down := true, true
	for i := 1; i < len(tail); i++ {
		if tail[i].Value <= tail[i-1].Value {
			up = false
		}
		if tail[i].Value >= tail[i-1].Value {
			down = false
		}
	}
	if up {
		return true, "6 consecutive points steadily increasing"
	}
	if down {
		return true, "6 consecutive points steadily decreasing"
	}
	return false, ""
}

// Rule 4: fourteen points alternating up and down. Strict interpretation:
// every one of the 12 interior triplets reverses direction; a tie breaks the
// pattern.
func checkAlternator(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-14:]
	for i := 0; i+2 < len(tail); i++ {
		d1 := tail[i+1].Value - tail[i].Value
		d2 := tail[i+2].Value - tail[i+1].Value
		if d1*d2 >= 0 {
			return false, ""
		}
	}
	return true, "14 consecutive points alternating up and down"
}

func upperA(z model.Zone) bool { return z == model.ZoneAUpper || z == model.ZoneBeyondUCL }
func lowerA(z model.Zone) bool { return z == model.ZoneALower || z == model.ZoneBeyondLCL }

// Rule 5: two out of three consecutive points in Zone A or beyond, on the
// same side.
func checkZoneA(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-3:]
	var up, down int
	for _, e := range tail {
		if upperA(e.Zone) {
			up++
		}
		if lowerA(e.Zone) {
			down++
		}
	}
	if up >= 2 {
		return true, "2 of 3 points in upper zone A or beyond"
	}
	if down >= 2 {
		return true, "2 of 3 points in lower zone A or beyond"
	}
	return false, ""
}

// Rule 6: four out of five consecutive points in Zone B or beyond, on the
// same side.
func checkZoneB(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-5:]
	var up, down int
	for _, e := range tail {
		if e.Zone == model.ZoneBUpper || upperA(e.Zone) {
			up++
		}
		if e.Zone == model.ZoneBLower || lowerA(e.Zone) {
			down++
		}
	}
	if up >= 4 {
		return true, "4 of 5 points in upper zone B or beyond"
	}
	if down >= 4 {
		return true, "4 of 5 points in lower zone B or beyond"
	}
	return false, ""
}

// Rule 7: fifteen points in a row inside Zone C (within ±1σ of the center
// line) — suspiciously little variation.
func checkStratification(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-15:]
	for _, e := range tail {
		if e.Zone != model.ZoneCUpper && e.Zone != model.ZoneCLower {
			return false, ""
		}
	}
	return true, "15 consecutive points within 1 sigma of the center line"
}

// Rule 8: eight points in a row with none inside Zone C — points hugging
// both control limits suggest a mixture of process streams.
func checkMixture(entries []window.Entry) (bool, string) {
	tail := entries[len(entries)-8:]
	for _, e := range tail {
		if e.Zone == model.ZoneCUpper || e.Zone == model.ZoneCLower {
			return false, ""
		}
	}
	return true, "8 consecutive points beyond 1 sigma of the center line"
}
