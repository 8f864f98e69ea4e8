package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestRecorderSessionCounters(t *testing.T) {
	rec := New()
	rec.SessionStarted()
	rec.SessionStarted()
	rec.SessionRejected("unknown_key")
	rec.SessionEnded("")
	rec.SessionEnded("ffmpeg_error")

	counts := rec.SessionEventCounts()
	if counts["start"] != 2 {
		t.Fatalf("start count = %d", counts["start"])
	}
	if counts["reject_unknown_key"] != 1 {
		t.Fatalf("reject count = %d", counts["reject_unknown_key"])
	}
	if counts["end_clean"] != 1 || counts["end_ffmpeg_error"] != 1 {
		t.Fatalf("end counts = %v", counts)
	}
	if rec.ActiveSessions() != 0 {
		t.Fatalf("active sessions = %d", rec.ActiveSessions())
	}
}

func TestRecorderGaugeNeverGoesNegative(t *testing.T) {
	rec := New()
	rec.SessionEnded("")
	rec.SessionEnded("")
	if rec.ActiveSessions() != 0 {
		t.Fatalf("gauge must floor at zero, got %d", rec.ActiveSessions())
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	rec.SessionStarted()
	rec.SessionEnded("x")
	rec.SessionRejected("y")
	rec.ObserveProbe(false)
	rec.RunnerStarted()
	rec.RunnerCompleted()
	rec.RunnerFailed()
	rec.EndingEnqueued()
	rec.EndingProcessed("cleanup")
}

func TestRecorderConcurrentWrites(t *testing.T) {
	rec := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec.SessionStarted()
				rec.ObserveProbe(j%2 == 0)
				rec.SessionEnded("")
			}
		}()
	}
	wg.Wait()
	if counts := rec.SessionEventCounts(); counts["start"] != 1000 {
		t.Fatalf("start count = %d", counts["start"])
	}
}

func TestRecorderHandlerOutput(t *testing.T) {
	rec := New()
	rec.SessionStarted()
	rec.ObserveProbe(false)
	rec.EndingEnqueued()
	rec.EndingProcessed("replay_created")

	server := httptest.NewServer(rec.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var sb strings.Builder
	rec.Write(&sb)
	body := sb.String()
	for _, want := range []string{
		`driftcast_live_sessions_total{event="start"} 1`,
		"driftcast_active_live_sessions 1",
		"driftcast_probe_failures_total 1",
		"driftcast_ending_jobs_enqueued_total 1",
		`driftcast_ending_jobs_processed_total{outcome="replay_created"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}
