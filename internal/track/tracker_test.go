package track

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func newTestTracker() (*Tracker, *time.Time) {
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr := New()
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTransition_ForwardAndIdempotent(t *testing.T) {
	tr, now := newTestTracker()
	tr.Begin("r1", "POST", "/v1/chat/completions", "c1")

	tr.Transition("r1", StageAuthChecked)
	*now = now.Add(10 * time.Millisecond)
	tr.Transition("r1", StageParsed)
	tr.Transition("r1", StageParsed) // idempotent repeat

	reqs := tr.ActiveRequests()
	if len(reqs) != 1 {
		t.Fatalf("active = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.CurrentStage != StageParsed {
		t.Fatalf("stage = %s, want PARSED", r.CurrentStage)
	}
	if !r.StageTimes[StageAuthChecked].Before(r.StageTimes[StageParsed]) &&
		!r.StageTimes[StageAuthChecked].Equal(r.StageTimes[StageParsed]) {
		t.Fatal("stage timestamps must be non-decreasing")
	}
}

func TestTransition_BackwardRejected(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Begin("r1", "POST", "/v1/chat/completions", "")
	tr.Transition("r1", StageRoutingDecided)
	tr.Transition("r1", StageAuthChecked) // backward: must be ignored

	if got := tr.ActiveRequests()[0].CurrentStage; got != StageRoutingDecided {
		t.Fatalf("stage = %s, want ROUTING_DECIDED after rejected backward transition", got)
	}
}

func TestTerminal_FromAnyStageAndOnlyOnce(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Begin("r1", "POST", "/v1/chat/completions", "")
	tr.Transition("r1", StageUpstreamCallStart)
	tr.Transition("r1", StageTimeout)

	if tr.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0 after terminal", tr.ActiveCount())
	}
	if tr.CompletedCount() != 1 {
		t.Fatalf("completed = %d, want 1", tr.CompletedCount())
	}

	// A second terminal on the same id must be a no-op (record already moved).
	tr.Transition("r1", StageError)
	if tr.CompletedCount() != 1 {
		t.Fatalf("completed = %d after double terminal, want 1", tr.CompletedCount())
	}
}

func TestComplete_ImmediatelyAfterReceived(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Begin("r1", "POST", "/v1/chat/completions", "")
	tr.Complete("r1", "cancelled", "client disconnected")

	if tr.ActiveCount() != 0 || tr.CompletedCount() != 1 {
		t.Fatalf("active=%d completed=%d, want 0/1", tr.ActiveCount(), tr.CompletedCount())
	}
}

func TestActiveOverflow_EvictsOldest(t *testing.T) {
	tr, now := newTestTracker()
	for i := 0; i < maxActive; i++ {
		tr.Begin(fmt.Sprintf("r%04d", i), "POST", "/v1/chat/completions", "")
		*now = now.Add(time.Millisecond)
	}
	tr.Begin("overflow", "POST", "/v1/chat/completions", "")

	if tr.ActiveCount() != maxActive {
		t.Fatalf("active = %d, want %d", tr.ActiveCount(), maxActive)
	}
	// Oldest (r0000) must be gone; the eviction is visible in the error ring.
	for _, r := range tr.ActiveRequests() {
		if r.ID == "r0000" {
			t.Fatal("oldest request was not evicted")
		}
	}
	tr.mu.Lock()
	errs := tr.errors.items()
	tr.mu.Unlock()
	if len(errs) == 0 || errs[len(errs)-1].RequestID != "r0000" {
		t.Fatalf("eviction event not recorded: %+v", errs)
	}
}

func TestStuckRequests_ScansActiveOnly(t *testing.T) {
	tr, now := newTestTracker()
	tr.Begin("hang", "POST", "/v1/chat/completions", "")
	tr.Transition("hang", StageUpstreamCallStart)

	tr.Begin("done", "POST", "/v1/chat/completions", "")
	tr.Complete("done", "ok", "")

	*now = now.Add(2 * time.Second)
	stuck := tr.StuckRequests(0, time.Second)
	if len(stuck) != 1 {
		t.Fatalf("stuck = %d, want 1", len(stuck))
	}
	if stuck[0].RequestID != "hang" || stuck[0].CurrentStage != StageUpstreamCallStart {
		t.Fatalf("stuck = %+v, want hang at UPSTREAM_CALL_START", stuck[0])
	}
	if stuck[0].AgeSeconds < 2 {
		t.Fatalf("age = %v, want >= 2s", stuck[0].AgeSeconds)
	}
}

func TestPerformance_Percentiles(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 1; i <= 100; i++ {
		tr.RecordOp(OpMetric{Component: "mcp", Operation: "tools/call", DurationMs: int64(i), OK: i%10 != 0})
	}
	stats := tr.Performance()
	if len(stats) != 1 {
		t.Fatalf("groups = %d, want 1", len(stats))
	}
	s := stats[0]
	if s.Count != 100 || s.MinMs != 1 || s.MaxMs != 100 {
		t.Fatalf("stats = %+v", s)
	}
	if s.P50Ms < 49 || s.P50Ms > 51 {
		t.Fatalf("p50 = %d, want ~50", s.P50Ms)
	}
	if s.P95Ms < 94 || s.P95Ms > 96 {
		t.Fatalf("p95 = %d, want ~95", s.P95Ms)
	}
	if s.ErrorRate != 0.1 {
		t.Fatalf("error rate = %v, want 0.1", s.ErrorRate)
	}
}

func TestExport_RoundTrips(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Begin("r1", "POST", "/v1/chat/completions", "c9")
	tr.SetMetadata("r1", "offline_rewrite", true)
	tr.AttachMetric("r1", OpMetric{Component: "provider", Operation: "chat", DurationMs: 42, OK: true})
	tr.Transition("r1", StageAuthChecked)
	tr.Complete("r1", "ok", "")
	tr.TakeSnapshot()

	raw, err := tr.Export(100)
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	var doc struct {
		Completed []Request `json:"completed"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("re-parse export: %v", err)
	}
	if len(doc.Completed) != 1 {
		t.Fatalf("completed in export = %d, want 1", len(doc.Completed))
	}
	got := doc.Completed[0]
	if got.ID != "r1" || got.FinalStatus != "ok" {
		t.Fatalf("exported record = %+v", got)
	}
	if len(got.Metrics) != 1 || got.Metrics[0].DurationMs != 42 {
		t.Fatalf("exported metrics = %+v", got.Metrics)
	}
	if v, ok := got.Metadata["offline_rewrite"].(bool); !ok || !v {
		t.Fatalf("exported metadata = %+v", got.Metadata)
	}
}

func TestRingEviction(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items = %v, want %v", got, want)
		}
	}
}

func TestObserveComponent_HealthFolding(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ObserveComponent("provider", "openai", true, 120*time.Millisecond)
	tr.ObserveComponent("provider", "openai", false, 0)
	tr.ObserveComponent("provider", "openai", false, 0)

	hs := tr.ComponentHealths()
	if len(hs) != 1 {
		t.Fatalf("healths = %d, want 1", len(hs))
	}
	h := hs[0]
	if h.SuccessCount != 1 || h.ErrorCount != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", h.SuccessCount, h.ErrorCount)
	}
	if h.Status != "unhealthy" {
		t.Fatalf("status = %s, want unhealthy after consecutive errors", h.Status)
	}
}
