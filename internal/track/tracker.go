// Package track maintains the request lifecycle state machine and the bounded
// metric rings behind the admin observability surface.
//
// The tracker must never block or fail the request path: every operation is a
// short critical section, and internal errors are swallowed and counted.
package track

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"
)

// Stage identifies a point in the request lifecycle.
type Stage string

// Lifecycle stages in order, plus the two terminal failure stages reachable
// from any non-terminal state.
const (
	StageReceived          Stage = "RECEIVED"
	StageAuthChecked       Stage = "AUTH_CHECKED"
	StageParsed            Stage = "PARSED"
	StageRoutingDecided    Stage = "ROUTING_DECIDED"
	StageUpstreamCallStart Stage = "UPSTREAM_CALL_START"
	StageUpstreamCallEnd   Stage = "UPSTREAM_CALL_END"
	StageProcessing        Stage = "PROCESSING"
	StageResponseSent      Stage = "RESPONSE_SENT"
	StageCompleted         Stage = "COMPLETED"
	StageError             Stage = "ERROR"
	StageTimeout           Stage = "TIMEOUT"
)

var stageOrder = map[Stage]int{
	StageReceived:          0,
	StageAuthChecked:       1,
	StageParsed:            2,
	StageRoutingDecided:    3,
	StageUpstreamCallStart: 4,
	StageUpstreamCallEnd:   5,
	StageProcessing:        6,
	StageResponseSent:      7,
	StageCompleted:         8,
}

// IsTerminal reports whether s ends the lifecycle.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageError || s == StageTimeout
}

// OpMetric records one timed operation against an external component.
type OpMetric struct {
	Component  string         `json:"component"`
	Operation  string         `json:"operation"`
	DurationMs int64          `json:"duration_ms"`
	StartedAt  time.Time      `json:"started_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OK         bool           `json:"ok"`
}

// Request is the per-request lifecycle record.
type Request struct {
	ID           string              `json:"request_id"`
	Method       string              `json:"method"`
	Path         string              `json:"path"`
	ClientID     string              `json:"client_id,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	CurrentStage Stage               `json:"current_stage"`
	StageTimes   map[Stage]time.Time `json:"stage_times"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Metrics      []OpMetric          `json:"metrics,omitempty"`
	FinalStatus  string              `json:"final_status,omitempty"`
	FinalError   string              `json:"final_error,omitempty"`

	lastTransition time.Time
}

// clone returns a deep-enough copy safe to hand outside the lock.
func (r *Request) clone() *Request {
	cp := *r
	cp.StageTimes = make(map[Stage]time.Time, len(r.StageTimes))
	for k, v := range r.StageTimes {
		cp.StageTimes[k] = v
	}
	cp.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metrics = append([]OpMetric(nil), r.Metrics...)
	return &cp
}

// ComponentHealth describes the last known condition of one external
// dependency (a provider, an MCP server, the store, ...).
type ComponentHealth struct {
	Type           string         `json:"component_type"`
	ID             string         `json:"component_id"`
	Status         string         `json:"status"` // healthy | degraded | unhealthy | unknown
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	SuccessCount   int64          `json:"success_count"`
	ErrorCount     int64          `json:"error_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ErrorRecord is one entry in the bounded error ring.
type ErrorRecord struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message"`
}

// Snapshot is a periodic point-in-time system metrics sample.
type Snapshot struct {
	At             time.Time `json:"at"`
	ActiveRequests int       `json:"active_requests"`
	CompletedTotal int64     `json:"completed_total"`
	ErrorTotal     int64     `json:"error_total"`
}

// StuckRequest describes an active request that exceeded its time budget.
type StuckRequest struct {
	RequestID    string  `json:"request_id"`
	CurrentStage Stage   `json:"current_stage"`
	AgeSeconds   float64 `json:"age_seconds"`
	StageSeconds float64 `json:"stage_seconds"`
}

// Capacity bounds for the tracker's buffers.
const (
	maxActive    = 1_000
	maxCompleted = 10_000
	maxOpMetrics = 50_000
	maxErrors    = 1_000
	maxSnapshots = 1_000
)

// Tracker owns all observability state. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]*Request
	completed *ring[*Request]
	ops       *ring[OpMetric]
	errors    *ring[ErrorRecord]
	snapshots *ring[Snapshot]
	health    map[string]*ComponentHealth // keyed by component id

	completedTotal int64
	errorTotal     int64
	evictions      int64 // active-map overflow evictions
	swallowed      int64 // tracker-internal failures counted, never raised

	now func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		active:    make(map[string]*Request),
		completed: newRing[*Request](maxCompleted),
		ops:       newRing[OpMetric](maxOpMetrics),
		errors:    newRing[ErrorRecord](maxErrors),
		snapshots: newRing[Snapshot](maxSnapshots),
		health:    make(map[string]*ComponentHealth),
		now:       time.Now,
	}
}

// Begin registers a new request in the RECEIVED stage. If the active map is
// full, the oldest-by-start request is evicted with a warning.
func (t *Tracker) Begin(id, method, path, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[id]; exists {
		return
	}
	if len(t.active) >= maxActive {
		t.evictOldestLocked()
	}
	now := t.now()
	t.active[id] = &Request{
		ID:             id,
		Method:         method,
		Path:           path,
		ClientID:       clientID,
		StartedAt:      now,
		CurrentStage:   StageReceived,
		StageTimes:     map[Stage]time.Time{StageReceived: now},
		Metadata:       make(map[string]any),
		lastTransition: now,
	}
}

// evictOldestLocked drops the oldest active request and records the eviction.
// Must be called with t.mu held.
func (t *Tracker) evictOldestLocked() {
	var oldest *Request
	for _, r := range t.active {
		if oldest == nil || r.StartedAt.Before(oldest.StartedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return
	}
	delete(t.active, oldest.ID)
	t.evictions++
	oldest.CurrentStage = StageError
	oldest.FinalStatus = "evicted"
	oldest.FinalError = "active request buffer overflow"
	t.pushCompletedLocked(oldest)
	t.errors.push(ErrorRecord{
		At: t.now(), Component: "tracker", RequestID: oldest.ID,
		Message: "active request evicted on overflow",
	})
	log.Printf("[Tracker] WARNING: active buffer full, evicted oldest request %s", oldest.ID)
}

// Transition moves a request to stage. Repeating the current stage is a
// no-op; moving backward is rejected (swallowed and counted, never raised).
// Terminal stages are reachable from any non-terminal stage and move the
// record to the completed buffer.
func (t *Tracker) Transition(id string, stage Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[id]
	if !ok {
		t.swallowed++
		return
	}
	if stage == r.CurrentStage {
		return // idempotent
	}
	if stage.IsTerminal() {
		t.completeLocked(r, stage, "", "")
		return
	}
	cur, curKnown := stageOrder[r.CurrentStage]
	next, nextKnown := stageOrder[stage]
	if !curKnown || !nextKnown || next < cur {
		t.swallowed++
		return // backward or unknown transition rejected
	}
	now := t.now()
	r.CurrentStage = stage
	r.StageTimes[stage] = now
	r.lastTransition = now
}

// SetMetadata attaches a key/value pair to an active request.
func (t *Tracker) SetMetadata(id, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.active[id]; ok {
		r.Metadata[key] = value
	}
}

// AttachMetric appends an operation metric to an active request and to the
// global metrics ring.
func (t *Tracker) AttachMetric(id string, m OpMetric) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.active[id]; ok {
		r.Metrics = append(r.Metrics, m)
	}
	t.ops.push(m)
}

// RecordOp appends a metric to the global ring without a request association.
func (t *Tracker) RecordOp(m OpMetric) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops.push(m)
}

// Complete terminates a request with an explicit status and optional error
// message, moving it from active to the completed FIFO.
func (t *Tracker) Complete(id, status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[id]
	if !ok {
		t.swallowed++
		return
	}
	stage := StageCompleted
	if errMsg != "" {
		stage = StageError
	}
	t.completeLocked(r, stage, status, errMsg)
}

// completeLocked finalizes r. Must be called with t.mu held.
func (t *Tracker) completeLocked(r *Request, stage Stage, status, errMsg string) {
	now := t.now()
	r.CurrentStage = stage
	r.StageTimes[stage] = now
	r.lastTransition = now
	if status != "" {
		r.FinalStatus = status
	} else if stage == StageCompleted {
		r.FinalStatus = "ok"
	} else {
		r.FinalStatus = string(stage)
	}
	r.FinalError = errMsg
	delete(t.active, r.ID)
	t.pushCompletedLocked(r)
	if stage == StageError || stage == StageTimeout {
		t.errorTotal++
	}
}

func (t *Tracker) pushCompletedLocked(r *Request) {
	t.completed.push(r)
	t.completedTotal++
}

// RecordError appends to the bounded error ring.
func (t *Tracker) RecordError(component, requestID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorTotal++
	t.errors.push(ErrorRecord{At: t.now(), Component: component, RequestID: requestID, Message: message})
}

// ObserveComponent folds one operation outcome into a component's health
// entry, creating it as needed.
func (t *Tracker) ObserveComponent(ctype, id string, ok bool, responseTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, exists := t.health[id]
	if !exists {
		h = &ComponentHealth{Type: ctype, ID: id, Status: "unknown"}
		t.health[id] = h
	}
	h.LastCheck = t.now()
	h.ResponseTimeMs = responseTime.Milliseconds()
	if ok {
		h.SuccessCount++
		h.Status = "healthy"
	} else {
		h.ErrorCount++
		if h.Status == "healthy" {
			h.Status = "degraded"
		} else {
			h.Status = "unhealthy"
		}
	}
}

// SetComponentStatus overrides a component's status directly (used by health
// probes that have their own verdicts).
func (t *Tracker) SetComponentStatus(ctype, id, status string, meta map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, exists := t.health[id]
	if !exists {
		h = &ComponentHealth{Type: ctype, ID: id}
		t.health[id] = h
	}
	h.Status = status
	h.LastCheck = t.now()
	if meta != nil {
		h.Metadata = meta
	}
}

// ComponentHealths returns a snapshot of all component health entries.
func (t *Tracker) ComponentHealths() []ComponentHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ComponentHealth, 0, len(t.health))
	for _, h := range t.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TakeSnapshot records a system metrics sample into the snapshot ring.
func (t *Tracker) TakeSnapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots.push(Snapshot{
		At:             t.now(),
		ActiveRequests: len(t.active),
		CompletedTotal: t.completedTotal,
		ErrorTotal:     t.errorTotal,
	})
}

// ActiveRequests returns clones of all in-flight request records.
func (t *Tracker) ActiveRequests() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Request, 0, len(t.active))
	for _, r := range t.active {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of in-flight requests.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ActiveStageCount returns how many in-flight requests sit at stage.
func (t *Tracker) ActiveStageCount(stage Stage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.active {
		if r.CurrentStage == stage {
			n++
		}
	}
	return n
}

// StuckRequests scans active requests only (sub-linear in completed history)
// and returns those older than overall or idle at one stage longer than
// stageTimeout.
func (t *Tracker) StuckRequests(overall, stageTimeout time.Duration) []StuckRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []StuckRequest
	for _, r := range t.active {
		age := now.Sub(r.StartedAt)
		inStage := now.Sub(r.lastTransition)
		if (overall > 0 && age > overall) || (stageTimeout > 0 && inStage > stageTimeout) {
			out = append(out, StuckRequest{
				RequestID:    r.ID,
				CurrentStage: r.CurrentStage,
				AgeSeconds:   age.Seconds(),
				StageSeconds: inStage.Seconds(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgeSeconds > out[j].AgeSeconds })
	return out
}

// PerfStats is the aggregate over one (component, operation) pair.
type PerfStats struct {
	Component string  `json:"component"`
	Operation string  `json:"operation"`
	Count     int     `json:"count"`
	ErrorRate float64 `json:"error_rate"`
	MinMs     int64   `json:"min_ms"`
	MaxMs     int64   `json:"max_ms"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     int64   `json:"p50_ms"`
	P95Ms     int64   `json:"p95_ms"`
	P99Ms     int64   `json:"p99_ms"`
}

// Performance aggregates the op-metric ring into per-operation stats.
func (t *Tracker) Performance() []PerfStats {
	t.mu.Lock()
	ops := t.ops.items()
	t.mu.Unlock()

	type acc struct {
		durs   []int64
		errors int
	}
	groups := make(map[[2]string]*acc)
	for _, m := range ops {
		k := [2]string{m.Component, m.Operation}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.durs = append(a.durs, m.DurationMs)
		if !m.OK {
			a.errors++
		}
	}

	out := make([]PerfStats, 0, len(groups))
	for k, a := range groups {
		sort.Slice(a.durs, func(i, j int) bool { return a.durs[i] < a.durs[j] })
		n := len(a.durs)
		var sum int64
		for _, d := range a.durs {
			sum += d
		}
		pct := func(p float64) int64 {
			if n == 0 {
				return 0
			}
			idx := int(p * float64(n-1))
			return a.durs[idx]
		}
		out = append(out, PerfStats{
			Component: k[0],
			Operation: k[1],
			Count:     n,
			ErrorRate: float64(a.errors) / float64(n),
			MinMs:     a.durs[0],
			MaxMs:     a.durs[n-1],
			AvgMs:     float64(sum) / float64(n),
			P50Ms:     pct(0.50),
			P95Ms:     pct(0.95),
			P99Ms:     pct(0.99),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Export bundles the full observability state into one JSON document.
func (t *Tracker) Export(completedLimit int) ([]byte, error) {
	t.mu.Lock()
	completed := t.completed.items()
	if completedLimit > 0 && len(completed) > completedLimit {
		completed = completed[len(completed)-completedLimit:]
	}
	completedCopies := make([]*Request, len(completed))
	for i, r := range completed {
		completedCopies[i] = r.clone()
	}
	errs := t.errors.items()
	snaps := t.snapshots.items()
	t.mu.Unlock()

	doc := map[string]any{
		"exported_at": t.now(),
		"active":      t.ActiveRequests(),
		"completed":   completedCopies,
		"performance": t.Performance(),
		"health":      t.ComponentHealths(),
		"errors":      errs,
		"snapshots":   snaps,
	}
	return json.Marshal(doc)
}

// CompletedCount returns how many requests are retained in the FIFO.
func (t *Tracker) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.len()
}
