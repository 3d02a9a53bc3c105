// Package phase implements the workshop controller: it mounts one workshop,
// follows its event stream, reconciles stream events with REST snapshots and
// drives the explicit, server-confirmed phase advance.
//
// All state lives behind a single mutex. Stream events, REST completions and
// guard callbacks are applied one at a time and every mutation is followed by
// a notification carrying an immutable State snapshot.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/atelier/internal/guard"
	"github.com/dyluth/atelier/internal/ideas"
	"github.com/dyluth/atelier/internal/progress"
	"github.com/dyluth/atelier/internal/stream"
	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/google/uuid"
)

// ErrCancelled is returned by an activity that was cancelled before its
// result arrived.
var ErrCancelled = errors.New("activity cancelled")

// ErrNotMounted is returned by actions issued before Mount or after Unmount.
var ErrNotMounted = errors.New("no workshop mounted")

// Backend is the REST surface the machine depends on.
type Backend interface {
	GetWorkshop(ctx context.Context, workshopID string) (*workshop.Workshop, error)
	Advance(ctx context.Context, workshopID string, target workshop.Phase) (*workshop.Workshop, error)
	RunEmpathyStep(ctx context.Context, workshopID string, step workshop.EmpathyStep) (*workshop.EmpathyResults, error)
	EmpathySummary(ctx context.Context, workshopID string) (*workshop.EmpathyResults, error)
	GenerateIdeas(ctx context.Context, workshopID string, technique workshop.Technique) (*workshop.IdeationResults, error)
	IdeationResults(ctx context.Context, workshopID string) (*workshop.IdeationResults, error)
	StartVoting(ctx context.Context, workshopID string, method workshop.VotingMethod) (*workshop.ConvergenceResults, error)
	SaveSelection(ctx context.Context, workshopID string, ideaIDs []string) (*workshop.ConvergenceResults, error)
	ConvergenceResults(ctx context.Context, workshopID string) (*workshop.ConvergenceResults, error)
	AnalyzeTRIZ(ctx context.Context, workshopID string, ideaIDs []string) (*workshop.TRIZResults, error)
	TRIZResults(ctx context.Context, workshopID string) (*workshop.TRIZResults, error)
	ChooseFinal(ctx context.Context, workshopID, ideaID string) (*workshop.SelectionResults, error)
	GenerateReport(ctx context.Context, workshopID string) (*workshop.SelectionResults, error)
	SelectionResults(ctx context.Context, workshopID string) (*workshop.SelectionResults, error)
}

// Stream is the event transport the machine depends on. Accepted events
// must already be appended to the machine's buffer when OnEvent runs.
type Stream interface {
	Connect(ctx context.Context, workshopID string) error
	Disconnect()
	OnEvent(fn func(workshop.Event))
	OnConnect(fn func())
	OnDisconnect(fn func(error))
}

// Options tune timeouts and the reconnection policy.
type Options struct {
	ActivityTimeout     time.Duration
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ActivityTimeout:     guard.DefaultTimeout,
		ReconnectInitial:    500 * time.Millisecond,
		ReconnectMax:        10 * time.Second,
		ReconnectMaxElapsed: 2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = d.ActivityTimeout
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = d.ReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	if o.ReconnectMaxElapsed <= 0 {
		o.ReconnectMaxElapsed = d.ReconnectMaxElapsed
	}
	return o
}

// Machine is the phase state machine of one mounted workshop.
type Machine struct {
	backend Backend
	stream  Stream
	buffer  *stream.Buffer
	guard   *guard.Guard
	opts    Options

	// notifyMu orders observer callbacks; it is never taken while mu is held
	notifyMu     sync.Mutex
	observers    map[int]func(State)
	nextObserver int

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	mounted     bool
	workshopID  string
	workshop    *workshop.Workshop
	phase       workshop.Phase
	sub         workshop.SubState
	agents      progress.Progress
	cursor      stream.Cursor
	ideas       *ideas.Aggregator
	empathy     []workshop.EmpathyItem
	empathyDone map[workshop.EmpathyStep]bool
	analyses    map[string]workshop.Analysis
	sealed      bool
	votingDone  bool
	finalIdeaID string
	report      *workshop.Report

	run          string
	runResults   int
	act          *activity
	outcomes     map[string]error
	busy         Busy
	tx           Transaction
	err          error
	connected    bool
	streamErr    error
	reconnecting bool
}

// New creates a machine reading events from buffer. The stream must append
// to the same buffer.
func New(backend Backend, events Stream, buffer *stream.Buffer, opts Options) *Machine {
	m := &Machine{
		backend:     backend,
		stream:      events,
		buffer:      buffer,
		guard:       guard.New(),
		opts:        opts.withDefaults(),
		observers:   map[int]func(State){},
		ideas:       ideas.NewAggregator(),
		agents:      progress.Progress{},
		empathyDone: map[workshop.EmpathyStep]bool{},
		analyses:    map[string]workshop.Analysis{},
		outcomes:    map[string]error{},
	}
	events.OnEvent(m.onEvent)
	events.OnConnect(m.onConnect)
	events.OnDisconnect(m.onDisconnect)
	return m
}

// Mount loads workshopID, restores the current phase from its authoritative
// REST data and opens the event stream unless the workshop is completed or
// archived. Only failing to load the workshop itself is fatal; the returned
// error then wraps workshop.ErrMountFailed.
//
// The mount lives until ctx is cancelled or Unmount is called.
func (m *Machine) Mount(ctx context.Context, workshopID string) error {
	m.mu.Lock()
	mountedID := m.workshopID
	wasMounted := m.mounted
	m.mu.Unlock()

	if wasMounted {
		if mountedID == workshopID {
			return nil
		}
		m.Unmount()
	}

	w, err := m.backend.GetWorkshop(ctx, workshopID)
	if err != nil {
		m.mu.Lock()
		m.workshopID = workshopID
		m.setErrorLocked(err)
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("%w %s: %w", workshop.ErrMountFailed, workshopID, err)
	}

	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mounted = true
	m.workshopID = workshopID
	m.workshop = w
	m.phase = w.CurrentPhase
	m.sub = workshop.InitialSubState(w.CurrentPhase)
	m.ideas.Reset()
	m.empathy = nil
	m.empathyDone = map[workshop.EmpathyStep]bool{}
	m.analyses = map[string]workshop.Analysis{}
	m.votingDone = false
	m.finalIdeaID = ""
	m.report = nil
	m.tx = Transaction{}
	m.err = nil
	m.streamErr = nil
	m.rearmLocked()
	mountCtx := m.ctx
	m.mu.Unlock()

	log.Printf("[Phase] Mounted workshop %s in phase %s", workshopID, w.CurrentPhase)
	m.logEvent("workshop_mounted", workshopID, map[string]interface{}{
		"phase":  w.CurrentPhase.String(),
		"status": string(w.Status),
	})
	m.notify()

	if err := m.resume(mountCtx); err != nil {
		log.Printf("[Phase] Failed to restore phase data for workshop %s: %v", workshopID, err)
	}

	if w.Status.IsTerminal() {
		log.Printf("[Phase] Workshop %s is %s, not opening a stream", workshopID, w.Status)
		return nil
	}

	if err := m.stream.Connect(mountCtx, workshopID); err != nil {
		m.mu.Lock()
		m.streamErr = err
		m.mu.Unlock()
		m.notify()
		m.startReconnect(workshopID)
	}
	return nil
}

// Unmount closes the stream, stops the guard and cancels any in-flight
// request. Late results are discarded.
func (m *Machine) Unmount() {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	workshopID := m.workshopID
	m.mounted = false
	if m.act != nil {
		m.abortLocked(m.act, ErrCancelled)
	}
	m.guard.Stop()
	m.run = uuid.NewString()
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.stream.Disconnect()

	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	log.Printf("[Phase] Unmounted workshop %s", workshopID)
	m.notify()
}

// Rearm starts a new run of the current phase: a fresh run token, every
// agent back to idle, and the event cursor moved to the buffer head so
// events from the previous run are never replayed. Rearm is what a retry
// does before reissuing its request.
func (m *Machine) Rearm() {
	m.mu.Lock()
	m.rearmLocked()
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) rearmLocked() {
	m.run = uuid.NewString()
	m.runResults = 0
	m.agents = progress.Reset(m.agentIDsLocked())
	m.cursor.JumpTo(m.buffer.Head())
	m.ideas.Unseal()
	m.sealed = false
}

func (m *Machine) agentIDsLocked() []string {
	if m.workshop == nil {
		return nil
	}
	ids := make([]string, 0, len(m.workshop.Agents))
	for _, a := range m.workshop.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// Subscribe registers fn to receive a State snapshot after every mutation.
// fn runs synchronously and must not call Machine actions.
func (m *Machine) Subscribe(fn func(State)) (unsubscribe func()) {
	m.notifyMu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.notifyMu.Unlock()

	return func() {
		m.notifyMu.Lock()
		delete(m.observers, id)
		m.notifyMu.Unlock()
	}
}

func (m *Machine) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if len(m.observers) == 0 {
		return
	}
	s := m.State()

	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		m.observers[id](s)
	}
}

// Phase returns the canonical phase.
func (m *Machine) Phase() workshop.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Workshop returns a copy of the cached workshop, or nil before Mount.
func (m *Machine) Workshop() *workshop.Workshop {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workshop == nil {
		return nil
	}
	w := *m.workshop
	w.Agents = append([]workshop.Agent(nil), m.workshop.Agents...)
	return &w
}

// State returns an immutable snapshot of the machine.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		WorkshopID:  m.workshopID,
		Phase:       m.phase,
		SubState:    m.sub,
		Complete:    m.completeLocked(),
		Run:         m.run,
		Agents:      m.agents.Clone(),
		Ideas:       m.ideas.Ideas(),
		Tally:       m.ideas.Tally(),
		Selected:    m.ideas.Selected(),
		VotingDone:  m.votingDone,
		Empathy:     append([]workshop.EmpathyItem(nil), m.empathy...),
		FinalIdeaID: m.finalIdeaID,
		Busy:        m.busy,
		Connected:   m.connected,
		Transaction: m.tx,
	}
	if m.workshop != nil {
		s.Title = m.workshop.Title
		s.Status = m.workshop.Status
		s.TargetIdeas = m.workshop.Config.TargetIdeasCount
		s.AgentNames = make(map[string]string, len(m.workshop.Agents))
		for _, a := range m.workshop.Agents {
			s.AgentNames[a.ID] = a.Name
		}
	}
	for _, step := range workshop.EmpathySteps() {
		if m.empathyDone[step] {
			s.EmpathyDone = append(s.EmpathyDone, step)
		}
	}
	s.Analyses = m.analysesLocked()
	if m.report != nil {
		r := *m.report
		s.Report = &r
	}
	if m.err != nil {
		s.Error = m.err.Error()
		s.ErrorKind = workshop.Classify(m.err)
	}
	if m.streamErr != nil {
		s.StreamError = m.streamErr.Error()
	}
	return s
}

// analysesLocked returns analyses in selection order, then any others by id.
func (m *Machine) analysesLocked() []workshop.Analysis {
	if len(m.analyses) == 0 {
		return nil
	}
	out := make([]workshop.Analysis, 0, len(m.analyses))
	seen := map[string]bool{}
	for _, id := range m.ideas.Selected() {
		if a, ok := m.analyses[id]; ok {
			out = append(out, a)
			seen[id] = true
		}
	}
	var rest []string
	for id := range m.analyses {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, m.analyses[id])
	}
	return out
}

// Err returns the last surfaced error, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Machine) setErrorLocked(err error) {
	m.err = err
	if err != nil {
		m.logEventLocked("error_surfaced", map[string]interface{}{
			"kind":  string(workshop.Classify(err)),
			"error": err.Error(),
		})
	}
}

func (m *Machine) requireMountedLocked() error {
	if !m.mounted {
		return ErrNotMounted
	}
	return nil
}

func (m *Machine) logEventLocked(eventType string, data map[string]interface{}) {
	m.logEvent(eventType, m.workshopID, data)
}

// logEvent writes a structured JSON log line.
func (m *Machine) logEvent(eventType, workshopID string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "phase"
	data["event_type"] = eventType
	data["workshop"] = workshopID

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Phase] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
