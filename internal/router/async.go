package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// maxAsyncTasks bounds retained task results; oldest are evicted first.
const maxAsyncTasks = 1_000

// asyncTask is one background completion, retrievable by request id.
type asyncTask struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"` // running | done | error
	Response   *chatResponse `json:"response,omitempty"`
	Error      *errorDetail  `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// taskStore holds async task results, bounded FIFO by creation time.
type taskStore struct {
	mu    sync.Mutex
	tasks map[string]*asyncTask
	order []string
}

func (s *taskStore) init() {
	s.tasks = make(map[string]*asyncTask)
}

func (s *taskStore) begin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) >= maxAsyncTasks {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.tasks, oldest)
	}
	s.tasks[id] = &asyncTask{ID: id, Status: "running", CreatedAt: time.Now()}
	s.order = append(s.order, id)
}

func (s *taskStore) finish(id string, resp *chatResponse, errDetail *errorDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	now := time.Now()
	t.FinishedAt = &now
	if errDetail != nil {
		t.Status = "error"
		t.Error = errDetail
		return
	}
	t.Status = "done"
	t.Response = resp
}

func (s *taskStore) get(id string) (*asyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// spawnAsync runs the dispatch in the background. The caller has already
// acquired the gate; release transfers with the goroutine.
func (rt *Router) spawnAsync(requestID string, rte route, req chatRequest, release func()) {
	rt.tasks.begin(requestID)
	go func() {
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		resp, err := rt.runDetached(ctx, requestID, rte, req)
		if err != nil {
			rt.opts.Tracker.RecordError("router", requestID, err.Error())
			rt.opts.Tracker.Complete(requestID, "error", err.Error())
			rt.tasks.finish(requestID, nil, &errorDetail{
				Kind:      string(fault.KindOf(err)),
				Message:   err.Error(),
				RequestID: requestID,
				Provider:  fault.ProviderOf(err),
			})
			return
		}
		envelope := completionEnvelope(requestID, req.Model, resp.Response)
		rt.tasks.finish(requestID, &envelope, nil)
		rt.completeOK(requestID)
	}()
}

// runDetached is the non-streaming dispatch without an http connection.
type detachedResult struct {
	Response llm.ChatResponse
}

func (rt *Router) runDetached(ctx context.Context, requestID string, rte route, req chatRequest) (detachedResult, error) {
	if rte.agent {
		agentReq, decision, err := rt.buildAgentRequest(ctx, requestID, rte, req)
		if err != nil {
			return detachedResult{}, err
		}
		if decision.SystemAction != "" {
			return detachedResult{Response: systemActionResponse(decision.SystemAction)}, nil
		}
		result := rt.opts.Runner.Run(ctx, agentReq)
		rt.recordAgentOutcome("provider:agent", requestID, req.Messages, result, decision)
		if result.Err != nil && result.Response.Message.Content == "" {
			return detachedResult{}, result.Err
		}
		return detachedResult{Response: result.Response}, nil
	}

	key := "provider:" + rte.provider.Name()
	if err := rt.opts.Breakers.Allow(key); err != nil {
		return detachedResult{}, err
	}
	rt.opts.Tracker.Transition(requestID, track.StageUpstreamCallStart)
	started := time.Now()
	resp, err := rte.provider.Chat(ctx, llm.ChatRequest{
		Model:       rte.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	rt.finishUpstream(requestID, key, started, err)
	if err != nil {
		return detachedResult{}, err
	}
	return detachedResult{Response: resp}, nil
}

func (rt *Router) handleTask(w http.ResponseWriter, r *http.Request) {
	if !rt.checkAuth(r) {
		writeError(w, "", fault.New(fault.Auth, "missing or invalid bearer token"))
		return
	}
	id := r.PathValue("id")
	task, ok := rt.tasks.get(id)
	if !ok {
		writeError(w, id, fault.New(fault.NotFound, "unknown task %q", id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}
