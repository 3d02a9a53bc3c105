package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/go-chi/chi/v5"
)

// Action names used to address backend endpoints in Fail, Hold, React and Calls.
const (
	ActionWorkshop           = "GET workshop"
	ActionStream             = "GET stream"
	ActionAdvance            = "POST advance"
	ActionEmpathyMap         = "POST phase1/empathy-map"
	ActionJourney            = "POST phase1/journey"
	ActionHMW                = "POST phase1/hmw"
	ActionEmpathySummary     = "GET phase1/summary"
	ActionGenerate           = "POST phase2/generate"
	ActionIdeationResults    = "GET phase2/results"
	ActionVote               = "POST phase3/vote"
	ActionSelect             = "POST phase3/select"
	ActionConvergenceResults = "GET phase3/results"
	ActionAnalyze            = "POST phase4/analyze"
	ActionTRIZResults        = "GET phase4/results"
	ActionChoose             = "POST phase5/choose"
	ActionReport             = "POST phase5/report"
	ActionSelectionResults   = "GET phase5/results"
)

// State is the data served by a Backend. Handlers read it under the
// backend's lock; tests change it through Update and React.
type State struct {
	Workshop    workshop.Workshop
	Empathy     workshop.EmpathyResults
	Ideation    workshop.IdeationResults
	Convergence workshop.ConvergenceResults
	TRIZ        workshop.TRIZResults
	Selection   workshop.SelectionResults
}

type failure struct {
	status int
	body   workshop.ErrorBody
}

// Backend is an in-process fake of the workshop REST and SSE surface.
// It serves exactly one workshop.
type Backend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	state        State
	failures     map[string]failure
	holds        map[string]chan struct{}
	reactions    map[string]func(s *State, body []byte)
	calls        map[string]int
	bodies       map[string][]byte
	streams      map[int]chan string
	nextStream   int
	streamStatus int
}

// NewBackend starts a fake backend serving w. The server is closed when the
// test ends.
func NewBackend(t *testing.T, w workshop.Workshop) *Backend {
	t.Helper()

	b := &Backend{
		t:            t,
		state:        State{Workshop: w},
		failures:     map[string]failure{},
		holds:        map[string]chan struct{}{},
		reactions:    map[string]func(s *State, body []byte){},
		calls:        map[string]int{},
		bodies:       map[string][]byte{},
		streams:      map[int]chan string{},
		streamStatus: http.StatusOK,
	}

	r := chi.NewRouter()
	r.Route("/workshops/{id}", func(r chi.Router) {
		r.Use(b.workshopOnly)
		r.Get("/", b.handle(ActionWorkshop, func(s *State, _ []byte) any { return s.Workshop }))
		r.Get("/stream", b.serveStream)
		r.Post("/advance", b.handle(ActionAdvance, b.advance))

		r.Post("/phase1/empathy-map", b.handle(ActionEmpathyMap, b.empathyStep(workshop.StepEmpathyMap)))
		r.Post("/phase1/journey", b.handle(ActionJourney, b.empathyStep(workshop.StepJourney)))
		r.Post("/phase1/hmw", b.handle(ActionHMW, b.empathyStep(workshop.StepHMW)))
		r.Get("/phase1/summary", b.handle(ActionEmpathySummary, func(s *State, _ []byte) any { return s.Empathy }))

		r.Post("/phase2/generate", b.handle(ActionGenerate, func(s *State, _ []byte) any { return s.Ideation }))
		r.Get("/phase2/results", b.handle(ActionIdeationResults, func(s *State, _ []byte) any { return s.Ideation }))

		r.Post("/phase3/vote", b.handle(ActionVote, func(s *State, _ []byte) any { return s.Convergence }))
		r.Post("/phase3/select", b.handle(ActionSelect, b.saveSelection))
		r.Get("/phase3/results", b.handle(ActionConvergenceResults, func(s *State, _ []byte) any { return s.Convergence }))

		r.Post("/phase4/analyze", b.handle(ActionAnalyze, func(s *State, _ []byte) any { return s.TRIZ }))
		r.Get("/phase4/results", b.handle(ActionTRIZResults, func(s *State, _ []byte) any { return s.TRIZ }))

		r.Post("/phase5/choose", b.handle(ActionChoose, b.choose))
		r.Post("/phase5/report", b.handle(ActionReport, func(s *State, _ []byte) any { return s.Selection }))
		r.Get("/phase5/results", b.handle(ActionSelectionResults, func(s *State, _ []byte) any { return s.Selection }))
	})

	b.server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

// URL returns the base URL of the backend.
func (b *Backend) URL() string {
	return b.server.URL
}

// Close ends every open stream and stops the server.
func (b *Backend) Close() {
	b.CloseStreams()
	b.mu.Lock()
	for action, ch := range b.holds {
		close(ch)
		delete(b.holds, action)
	}
	b.mu.Unlock()
	b.server.Close()
}

// Update changes the served state.
func (b *Backend) Update(fn func(s *State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
}

// Snapshot returns a copy of the served state.
func (b *Backend) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Fail makes action answer with status and an error body until cleared with
// Recover.
func (b *Backend) Fail(action string, status int, detail, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[action] = failure{status: status, body: workshop.ErrorBody{Detail: detail, Code: code}}
}

// Recover clears a failure installed by Fail.
func (b *Backend) Recover(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, action)
}

// Hold blocks every call to action until the returned release is called.
func (b *Backend) Hold(action string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[action] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			owned := b.holds[action] == ch
			if owned {
				delete(b.holds, action)
			}
			b.mu.Unlock()

			// Close may already have released it
			if owned {
				close(ch)
			}
		})
	}
}

// React runs fn against the state, with the raw request body, before action
// responds. Use it to emit stream events or change results mid-call.
func (b *Backend) React(action string, fn func(s *State, body []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reactions[action] = fn
}

// Calls returns how many times action was called.
func (b *Backend) Calls(action string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[action]
}

// LastBody returns the last request body received by action.
func (b *Backend) LastBody(action string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[action]
}

// SetStreamStatus makes new stream requests answer with status.
func (b *Backend) SetStreamStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = status
}

// Streams returns the number of open streams.
func (b *Backend) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Emit sends one event to every open stream.
func (b *Backend) Emit(name, data string) {
	b.EmitFrame(Frame("", name, data))
}

// EmitFrame sends a raw SSE frame to every open stream.
func (b *Backend) EmitFrame(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.streams {
		select {
		case ch <- frame:
		default:
			b.t.Logf("testutil: stream buffer full, dropping frame")
		}
	}
}

// CloseStreams ends every open stream from the server side.
func (b *Backend) CloseStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.streams {
		close(ch)
		delete(b.streams, id)
	}
}

// Frame renders one SSE frame.
func Frame(id, name, data string) string {
	var sb strings.Builder
	if id != "" {
		fmt.Fprintf(&sb, "id: %s\n", id)
	}
	if name != "" {
		fmt.Fprintf(&sb, "event: %s\n", name)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	return sb.String()
}

// EventJSON renders a stream payload in the backend's envelope shape.
func EventJSON(agentID, ideaID string, data any, ts time.Time) string {
	payload := map[string]any{"data": data, "timestamp": ts.UTC().Format(time.RFC3339Nano)}
	if agentID != "" {
		payload["agent_id"] = agentID
	}
	if ideaID != "" {
		payload["idea_id"] = ideaID
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func (b *Backend) workshopOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		id := b.state.Workshop.ID
		b.mu.Unlock()

		if chi.URLParam(r, "id") != id {
			writeJSON(w, http.StatusNotFound, workshop.ErrorBody{Detail: "workshop not found", Code: "not_found"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle wraps a state responder with call counting, holds, failures and reactions.
func (b *Backend) handle(action string, respond func(s *State, body []byte) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.calls[action]++
		b.bodies[action] = body
		hold := b.holds[action]
		b.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}

		b.mu.Lock()
		if f, ok := b.failures[action]; ok {
			b.mu.Unlock()
			writeJSON(w, f.status, f.body)
			return
		}
		if react := b.reactions[action]; react != nil {
			// Reactions may Emit, which takes the lock
			b.mu.Unlock()
			state := b.Snapshot()
			react(&state, body)
			b.Update(func(s *State) { *s = state })
			b.mu.Lock()
		}
		resp := respond(&b.state, body)
		b.mu.Unlock()

		writeJSON(w, http.StatusOK, resp)
	}
}

func (b *Backend) advance(s *State, body []byte) any {
	var req workshop.AdvanceRequest
	if err := json.Unmarshal(body, &req); err == nil {
		s.Workshop.CurrentPhase = req.TargetPhase
	}
	return s.Workshop
}

func (b *Backend) empathyStep(step workshop.EmpathyStep) func(s *State, body []byte) any {
	return func(s *State, _ []byte) any {
		for _, done := range s.Empathy.Completed {
			if done == step {
				return s.Empathy
			}
		}
		s.Empathy.Completed = append(s.Empathy.Completed, step)
		return s.Empathy
	}
}

func (b *Backend) saveSelection(s *State, body []byte) any {
	var req struct {
		IdeaIDs []string `json:"idea_ids"`
	}
	if err := json.Unmarshal(body, &req); err == nil {
		s.Convergence.SelectedIDs = req.IdeaIDs
	}
	return s.Convergence
}

func (b *Backend) choose(s *State, body []byte) any {
	var req struct {
		IdeaID string `json:"idea_id"`
	}
	if err := json.Unmarshal(body, &req); err == nil {
		s.Selection.FinalIdeaID = req.IdeaID
	}
	return s.Selection
}

func (b *Backend) serveStream(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls[ActionStream]++
	status := b.streamStatus
	b.mu.Unlock()

	if status != http.StatusOK {
		writeJSON(w, status, workshop.ErrorBody{Detail: "stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 64)
	b.mu.Lock()
	id := b.nextStream
	b.nextStream++
	b.streams[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.streams[id] == ch {
			delete(b.streams, id)
		}
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
