package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Recorder aggregates in-memory counters and gauges for live session
// lifecycle, stream probing, ffmpeg runner activity, and ending-job flow. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for active session tracking.
type Recorder struct {
	mu              sync.RWMutex
	sessionEvents   map[string]uint64
	probeAttempts   uint64
	probeFailures   uint64
	runnerEvents    map[string]uint64
	endingEnqueued  uint64
	endingProcessed map[string]uint64
	activeSessions  atomic.Int64
	activeRunners   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		sessionEvents:   make(map[string]uint64),
		runnerEvents:    make(map[string]uint64),
		endingProcessed: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// SessionStarted records a session start and increments the active gauge.
func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionEnded records a session end labelled with its terminal code, "clean"
// when the session ended without error, and decrements the active gauge.
func (r *Recorder) SessionEnded(code string) {
	if r == nil {
		return
	}
	normalized := normalizeName(code)
	if code == "" {
		normalized = "clean"
	}
	r.incrementSessionEvent("end_" + normalized)
	r.decrementGauge(&r.activeSessions)
}

// SessionRejected records a connection refused by the validation pipeline.
func (r *Recorder) SessionRejected(reason string) {
	if r == nil {
		return
	}
	r.incrementSessionEvent("reject_" + normalizeName(reason))
}

func (r *Recorder) incrementSessionEvent(event string) {
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// ObserveProbe records a stream probe and whether it failed.
func (r *Recorder) ObserveProbe(success bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.probeAttempts++
	if !success {
		r.probeFailures++
	}
	r.mu.Unlock()
}

// RunnerStarted records an ffmpeg rendition process launch.
func (r *Recorder) RunnerStarted() {
	if r == nil {
		return
	}
	r.incrementRunnerEvent("start")
	r.activeRunners.Add(1)
}

// RunnerCompleted records a clean rendition process exit.
func (r *Recorder) RunnerCompleted() {
	if r == nil {
		return
	}
	r.incrementRunnerEvent("complete")
	r.decrementGauge(&r.activeRunners)
}

// RunnerFailed records a rendition process that exited with an error.
func (r *Recorder) RunnerFailed() {
	if r == nil {
		return
	}
	r.incrementRunnerEvent("fail")
	r.decrementGauge(&r.activeRunners)
}

func (r *Recorder) incrementRunnerEvent(event string) {
	r.mu.Lock()
	r.runnerEvents[event]++
	r.mu.Unlock()
}

// EndingEnqueued records a live-ending job handed to the queue.
func (r *Recorder) EndingEnqueued() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.endingEnqueued++
	r.mu.Unlock()
}

// EndingProcessed records a finished live-ending job by outcome, for example
// "replay_created", "cleanup" or "error".
func (r *Recorder) EndingProcessed(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.endingProcessed[normalizeName(outcome)]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of running live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveRunners exposes the current number of ffmpeg rendition processes.
func (r *Recorder) ActiveRunners() int64 {
	return r.activeRunners.Load()
}

// SessionEventCounts returns a copy of the session event counters, used by
// tests.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		counts[k] = v
	}
	return counts
}

// RunnerEventCounts returns a copy of the runner event counters, used by
// tests.
func (r *Recorder) RunnerEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.runnerEvents))
	for k, v := range r.runnerEvents {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionEvents = make(map[string]uint64)
	r.runnerEvents = make(map[string]uint64)
	r.endingProcessed = make(map[string]uint64)
	r.probeAttempts = 0
	r.probeFailures = 0
	r.endingEnqueued = 0
	r.activeSessions.Store(0)
	r.activeRunners.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets so
// scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP driftcast_live_sessions_total Live session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE driftcast_live_sessions_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "driftcast_live_sessions_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP driftcast_active_live_sessions Current number of running live sessions")
	fmt.Fprintln(w, "# TYPE driftcast_active_live_sessions gauge")
	fmt.Fprintf(w, "driftcast_active_live_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP driftcast_probe_attempts_total Stream probes attempted")
	fmt.Fprintln(w, "# TYPE driftcast_probe_attempts_total counter")
	fmt.Fprintf(w, "driftcast_probe_attempts_total %d\n", r.probeAttempts)

	fmt.Fprintln(w, "# HELP driftcast_probe_failures_total Stream probes that failed")
	fmt.Fprintln(w, "# TYPE driftcast_probe_failures_total counter")
	fmt.Fprintf(w, "driftcast_probe_failures_total %d\n", r.probeFailures)

	fmt.Fprintln(w, "# HELP driftcast_runner_events_total Rendition process events by type")
	fmt.Fprintln(w, "# TYPE driftcast_runner_events_total counter")
	for _, event := range sortedKeys(r.runnerEvents) {
		fmt.Fprintf(w, "driftcast_runner_events_total{event=\"%s\"} %d\n", event, r.runnerEvents[event])
	}

	fmt.Fprintln(w, "# HELP driftcast_active_runners Current number of rendition processes")
	fmt.Fprintln(w, "# TYPE driftcast_active_runners gauge")
	fmt.Fprintf(w, "driftcast_active_runners %d\n", r.activeRunners.Load())

	fmt.Fprintln(w, "# HELP driftcast_ending_jobs_enqueued_total Live-ending jobs enqueued")
	fmt.Fprintln(w, "# TYPE driftcast_ending_jobs_enqueued_total counter")
	fmt.Fprintf(w, "driftcast_ending_jobs_enqueued_total %d\n", r.endingEnqueued)

	fmt.Fprintln(w, "# HELP driftcast_ending_jobs_processed_total Live-ending jobs processed by outcome")
	fmt.Fprintln(w, "# TYPE driftcast_ending_jobs_processed_total counter")
	for _, outcome := range sortedKeys(r.endingProcessed) {
		fmt.Fprintf(w, "driftcast_ending_jobs_processed_total{outcome=\"%s\"} %d\n", outcome, r.endingProcessed[outcome])
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
