// Package profile captures a CPU profile of a single unit's execution and
// reduces the resulting call-statistics graph into the rows the store
// persists: per-function aggregates plus caller->callee edges, with
// functions identified by their (file, name, lineno) tuple.
//
// The sampler is Go's own runtime/pprof CPU profiler; samples are decoded
// with github.com/google/pprof/profile. Counts here are sample counts, not
// true call counts — a sampling profiler cannot observe every call, and the
// downstream schema only needs relative weight.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"

	"github.com/google/pprof/profile"

	"github.com/pdoflow/pdoflow/internal/store"
)

// ErrProfilerBusy is returned when another unit in this process is already
// being profiled. runtime/pprof allows only one active CPU profile per
// process, so concurrent workers race for it; the loser skips sampling.
var ErrProfilerBusy = errors.New("pdoflow: cpu profiler already in use")

var profilerMu sync.Mutex

// Capture runs fn under the CPU profiler. fnErr is fn's own result and is
// always valid; pr/profErr describe the sampling. A sampling problem never
// masks the unit's outcome — callers record fnErr regardless and skip the
// profile when profErr is non-nil.
func Capture(fn func() error) (fnErr error, pr *store.ProfileResult, profErr error) {
	if !profilerMu.TryLock() {
		return fn(), nil, ErrProfilerBusy
	}
	defer profilerMu.Unlock()

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		return fn(), nil, fmt.Errorf("start cpu profile: %w", err)
	}
	fnErr = fn()
	pprof.StopCPUProfile()

	p, err := profile.Parse(&buf)
	if err != nil {
		return fnErr, nil, fmt.Errorf("parse cpu profile: %w", err)
	}
	pr, err = Reduce(p)
	return fnErr, pr, err
}

// Reduce walks a parsed pprof profile into a ProfileResult. For each
// function: primitive_calls counts samples where the function appears
// exactly once in the stack (no recursive frame), total_calls counts every
// sample it appears in, total_time is self time (samples where it is the
// leaf), cumulative_time includes callees. Each adjacent caller->callee
// frame pair contributes to one edge.
func Reduce(p *profile.Profile) (*store.ProfileResult, error) {
	countIdx, timeIdx := sampleIndexes(p)

	type stat struct {
		primitive int64
		total     int64
		self      float64
		cum       float64
	}
	type edge struct {
		calls int64
		time  float64
	}
	type edgeKey struct {
		caller store.FunctionKey
		callee store.FunctionKey
	}

	stats := make(map[store.FunctionKey]*stat)
	edges := make(map[edgeKey]*edge)
	var totalCalls int64
	var totalTime float64

	for _, s := range p.Sample {
		count := int64(1)
		if countIdx >= 0 {
			count = s.Value[countIdx]
		}
		var secs float64
		if timeIdx >= 0 {
			secs = float64(s.Value[timeIdx]) / 1e9
		}
		totalCalls += count
		totalTime += secs

		// pprof stacks are leaf-first; expand inlined frames so every
		// source-level function is visible.
		frames := expandFrames(s.Location)
		if len(frames) == 0 {
			continue
		}

		occurrences := make(map[store.FunctionKey]int)
		for _, f := range frames {
			occurrences[f]++
		}
		for f, n := range occurrences {
			st, ok := stats[f]
			if !ok {
				st = &stat{}
				stats[f] = st
			}
			st.total += count
			if n == 1 {
				st.primitive += count
			}
			st.cum += secs
		}

		leaf := stats[frames[0]]
		leaf.self += secs

		for i := 0; i+1 < len(frames); i++ {
			k := edgeKey{caller: frames[i+1], callee: frames[i]}
			e, ok := edges[k]
			if !ok {
				e = &edge{}
				edges[k] = e
			}
			e.calls += count
			e.time += secs
		}
	}

	pr := &store.ProfileResult{
		TotalCalls: totalCalls,
		TotalTime:  totalTime,
	}
	for f, st := range stats {
		pr.Stats = append(pr.Stats, store.FunctionStatInput{
			Function:       f,
			PrimitiveCalls: st.primitive,
			TotalCalls:     st.total,
			TotalTime:      st.self,
			CumulativeTime: st.cum,
		})
	}
	for k, e := range edges {
		pr.Edges = append(pr.Edges, store.FunctionCallEdgeInput{
			Caller:    k.caller,
			Callee:    k.callee,
			Calls:     e.calls,
			TotalTime: e.time,
		})
	}
	return pr, nil
}

// sampleIndexes finds the "samples/count" and "cpu/nanoseconds" value
// columns. A CPU profile carries both; -1 means the column is absent.
func sampleIndexes(p *profile.Profile) (countIdx, timeIdx int) {
	countIdx, timeIdx = -1, -1
	for i, vt := range p.SampleType {
		switch {
		case vt.Type == "samples" && vt.Unit == "count":
			countIdx = i
		case vt.Type == "cpu" && vt.Unit == "nanoseconds":
			timeIdx = i
		}
	}
	return countIdx, timeIdx
}

// expandFrames flattens a sample's locations into function keys, leaf
// first. A location holds multiple lines when frames were inlined.
func expandFrames(locs []*profile.Location) []store.FunctionKey {
	var out []store.FunctionKey
	for _, loc := range locs {
		for _, line := range loc.Line {
			if line.Function == nil {
				continue
			}
			lineno := line.Function.StartLine
			if lineno == 0 {
				lineno = line.Line
			}
			out = append(out, store.FunctionKey{
				File:   line.Function.Filename,
				Name:   line.Function.Name,
				Lineno: int32(lineno),
			})
		}
	}
	return out
}
