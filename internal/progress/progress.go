// Package progress estimates render progress from raw sandbox output lines.
// The estimates are best-effort heuristics over free-text renderer output and
// never decide job completion: done/error derive only from the sandbox exit
// code and artifact presence.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxInferred is the ceiling for text-inferred progress. 100 is reserved for
// confirmed completion and is never produced here.
const MaxInferred = 95

// Update is the result of scanning one output line. A zero Progress means
// the line carried no usable estimate; an empty Tag means no phase was
// recognized.
type Update struct {
	Progress int
	Tag      string
}

// Extraction regexes compiled once at package init.
var (
	reFraction = regexp.MustCompile(`\b(\d+)\s*(?:/|of)\s*(\d+)\b`)
	rePercent  = regexp.MustCompile(`\b(\d{1,3})%`)
)

// Ordered phase keywords. The percentages are empirical floors observed from
// renderer output, not derived values; only monotonicity and the MaxInferred
// cap are contractual.
var phases = []struct {
	marker string
	floor  int
	tag    string
}{
	{"manim community", 15, "initializing"},
	{"file ready", 92, "finalizing"},
	{"combining to movie file", 90, "finalizing"},
	{"partial movie file", 60, "rendering"},
	{"rendering", 40, "rendering"},
	{"animation", 35, "rendering"},
}

// Extract maps one raw output line to an optional progress estimate and
// phase tag. The returned progress is monotonic with respect to current and
// clamped below 100. Lines that match nothing yield a zero Update.
func Extract(line string, current int) Update {
	lower := strings.ToLower(line)

	var estimate int
	var tag string

	for _, p := range phases {
		if strings.Contains(lower, p.marker) {
			estimate = p.floor
			tag = p.tag
			break
		}
	}

	// An explicit fraction ("12/60", "3 of 8") is the strongest signal and
	// overrides any phase floor.
	if m := reFraction.FindStringSubmatch(line); m != nil {
		num, err1 := strconv.Atoi(m[1])
		den, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && den > 0 && num <= den {
			estimate = scale(num * 100 / den)
		}
	} else if m := rePercent.FindStringSubmatch(line); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err == nil && pct <= 100 {
			estimate = scale(pct)
		}
	}

	if estimate > MaxInferred {
		estimate = MaxInferred
	}
	if estimate <= current {
		estimate = 0
	}

	return Update{Progress: estimate, Tag: tag}
}

// scale maps a raw 0-100 renderer percentage into the 10..95 band reserved
// for in-flight work; 0-10 belongs to queueing and 100 to confirmed done.
func scale(pct int) int {
	return 10 + pct*(MaxInferred-10)/100
}
