package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/atelier/pkg/workshop"
	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"
)

// errClosedByServer is the cause reported when the server ends the stream cleanly.
var errClosedByServer = errors.New("stream closed by server")

// Transport owns the single event stream of one workshop.
// It decodes every message into a workshop.Event, appends it to the
// caller-owned Buffer and then runs the registered callbacks.
//
// The transport never reconnects on its own: when the stream ends it reports
// the end once through OnDisconnect and stays disconnected until its owner
// calls Connect again.
type Transport struct {
	BaseURL    string
	Headers    map[string]string
	HTTPClient *http.Client

	buffer *Buffer

	mu           sync.Mutex
	workshopID   string
	cancel       context.CancelFunc
	connected    bool
	gen          uint64
	onEvent      []func(workshop.Event)
	onConnect    []func()
	onDisconnect []func(error)
}

// NewTransport creates a transport that streams from baseURL and appends every
// accepted event to buffer.
func NewTransport(baseURL string, buffer *Buffer) *Transport {
	return &Transport{
		BaseURL: baseURL,
		Headers: map[string]string{},
		buffer:  buffer,
	}
}

// OnEvent registers a callback run for every event accepted by the buffer.
func (t *Transport) OnEvent(fn func(workshop.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = append(t.onEvent, fn)
}

// OnConnect registers a callback run each time a stream is opened.
func (t *Transport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// OnDisconnect registers a callback run once per stream end. The error is a
// *workshop.TransportError when the stream ended unexpectedly and nil when
// Disconnect was called.
func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// Connected reports whether a stream is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// WorkshopID returns the workshop of the current stream, or "" when idle.
func (t *Transport) WorkshopID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workshopID
}

// ConnectWorkshop opens the stream for w unless w is in a terminal status.
// Completed and archived workshops never open a stream.
func (t *Transport) ConnectWorkshop(ctx context.Context, w *workshop.Workshop) error {
	if w.Status.IsTerminal() {
		return fmt.Errorf("workshop %s is %s: %w", w.ID, w.Status, workshop.ErrTerminalWorkshop)
	}
	return t.Connect(ctx, w.ID)
}

// Connect opens the stream for workshopID and blocks until the server has
// accepted it. Connecting to the workshop already streaming is a no-op; any
// other open stream is closed first so at most one stream is ever active.
//
// The stream lives until ctx is cancelled, Disconnect is called or the server
// ends it. Failing to open returns a *workshop.TransportError.
func (t *Transport) Connect(ctx context.Context, workshopID string) error {
	if strings.TrimSpace(workshopID) == "" {
		return fmt.Errorf("workshop id cannot be empty")
	}

	t.mu.Lock()
	if t.cancel != nil && t.workshopID == workshopID {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.WorkshopID() != "" {
		t.Disconnect()
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	streamCtx, cancel := context.WithCancel(ctx)
	t.workshopID = workshopID
	t.cancel = cancel
	t.mu.Unlock()

	client := sse.NewClient(strings.TrimRight(t.BaseURL, "/") + workshop.StreamPath(workshopID))
	if t.HTTPClient != nil {
		client.Connection = t.HTTPClient
	}
	for k, v := range t.Headers {
		client.Headers[k] = v
	}
	client.ReconnectStrategy = &backoff.StopBackOff{}

	ready := make(chan error, 1)
	var readyOnce sync.Once
	signal := func(err error) {
		readyOnce.Do(func() { ready <- err })
	}

	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := &workshop.TransportError{
				WorkshopID: workshopID,
				Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
			}
			signal(err)
			return err
		}
		t.opened(gen)
		signal(nil)
		return nil
	}

	log.Printf("[Stream] Connecting to workshop %s", workshopID)

	go func() {
		err := client.SubscribeRawWithContext(streamCtx, func(msg *sse.Event) {
			t.deliver(gen, msg)
		})
		t.finish(gen, err)

		// Unblocks Connect if the stream ended before it was ever accepted
		var te *workshop.TransportError
		if !errors.As(err, &te) {
			if err == nil {
				err = errClosedByServer
			}
			te = &workshop.TransportError{WorkshopID: workshopID, Err: err}
		}
		signal(te)
		cancel()
	}()

	select {
	case err := <-ready:
		if err != nil {
			t.abandon(gen)
		}
		return err
	case <-ctx.Done():
		t.Disconnect()
		return ctx.Err()
	}
}

// Disconnect closes the current stream, if any, and reports it through
// OnDisconnect with a nil error. Events still in flight from the closed
// stream are discarded.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	workshopID := t.workshopID
	wasConnected := t.connected
	t.gen++
	t.cancel = nil
	t.workshopID = ""
	t.connected = false
	handlers := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()

	cancel()
	log.Printf("[Stream] Disconnected from workshop %s", workshopID)

	if wasConnected {
		for _, fn := range handlers {
			fn(nil)
		}
	}
}

// abandon forgets stream gen after it failed to open, so the next Connect
// starts a new stream instead of treating it as already streaming.
func (t *Transport) abandon(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.connected {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cancel = nil
	t.workshopID = ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *Transport) opened(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.connected = true
	workshopID := t.workshopID
	handlers := append([]func(){}, t.onConnect...)
	t.mu.Unlock()

	log.Printf("[Stream] Connected to workshop %s", workshopID)
	t.logEvent("stream_connected", workshopID, map[string]interface{}{})

	for _, fn := range handlers {
		fn()
	}
}

func (t *Transport) deliver(gen uint64, msg *sse.Event) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	workshopID := t.workshopID
	handlers := append([]func(workshop.Event){}, t.onEvent...)
	t.mu.Unlock()

	ev := workshop.Decode(string(msg.Event), msg.Data, string(msg.ID))
	ev, accepted := t.buffer.Append(ev)
	if !accepted {
		t.logEvent("duplicate_dropped", workshopID, map[string]interface{}{
			"kind":      string(ev.Kind),
			"dedup_key": ev.DedupKey(),
		})
		return
	}

	for _, fn := range handlers {
		fn(ev)
	}
}

// finish records the end of stream gen. A stream that never opened reports
// no disconnect; Connect returns its error instead.
func (t *Transport) finish(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen {
		// Superseded by Disconnect or a newer Connect
		t.mu.Unlock()
		return
	}
	wasConnected := t.connected
	workshopID := t.workshopID
	t.cancel = nil
	t.workshopID = ""
	t.connected = false
	handlers := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()

	if !wasConnected {
		log.Printf("[Stream] Failed to open stream for workshop %s: %v", workshopID, err)
		return
	}

	if err == nil {
		err = errClosedByServer
	}
	te := &workshop.TransportError{WorkshopID: workshopID, Err: err}

	log.Printf("[Stream] Stream for workshop %s ended: %v", workshopID, err)
	t.logEvent("stream_disconnected", workshopID, map[string]interface{}{
		"error": err.Error(),
	})

	for _, fn := range handlers {
		fn(te)
	}
}

// logEvent logs a structured event in JSON format.
func (t *Transport) logEvent(eventType, workshopID string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "stream"
	data["event_type"] = eventType
	data["workshop"] = workshopID

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Stream] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
