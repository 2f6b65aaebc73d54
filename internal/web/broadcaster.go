package web

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/cjeanneret/HdrGo/internal/logic/capture"
)

// Event kinds on the status stream.
const (
	KindStatus = "status" // human-readable progress
	KindResult = "result" // Data is a CaptureResult
	KindLog    = "log"    // Data is one structured log line
)

// subscriberBuffer is how many events a slow client may lag behind before
// events are dropped for it.
const subscriberBuffer = 64

// StatusEvent is one message on the SSE status stream.
type StatusEvent struct {
	Time    string          `json:"t"`
	Kind    string          `json:"kind"`
	Level   string          `json:"l,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Failure string          `json:"failure,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster fans status events out to every SSE client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe registers a client. The returned cleanup must be called when the
// client goes away; it closes the channel.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Broadcast sends a status message at level ("info", "error").
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Kind: KindStatus, Level: level, Msg: msg})
}

// PublishResult sends a finished capture as a structured result event.
func (b *StatusBroadcaster) PublishResult(res CaptureResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	b.publish(StatusEvent{
		Kind:  KindResult,
		Level: "info",
		Msg:   "sequence " + res.ID + " complete",
		Data:  data,
	})
}

// PublishFailure reports an aborted capture with its failure kind, so
// clients can tell "retry later" from "take the photo again".
func (b *StatusBroadcaster) PublishFailure(err error) {
	b.publish(StatusEvent{
		Kind:    KindStatus,
		Level:   "error",
		Msg:     err.Error(),
		Failure: capture.Classify(err).String(),
	})
}

// publish stamps evt and hands it to every client without blocking; a
// client whose buffer is full misses it.
func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = b.now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter returns an io.Writer that publishes each log line written
// to it, for use with debug.SetOutput.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

// logLine is the part of a zerolog JSON line lifted into the event envelope.
type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Write publishes every non-empty line of p. zerolog JSON lines travel as
// Data unchanged; anything else (console format) becomes Msg.
func (w *broadcastWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var l logLine
		if line[0] == '{' && json.Unmarshal(line, &l) == nil {
			w.b.publish(StatusEvent{
				Kind:  KindLog,
				Level: l.Level,
				Msg:   l.Message,
				Data:  json.RawMessage(bytes.Clone(line)),
			})
			continue
		}
		w.b.publish(StatusEvent{Kind: KindLog, Level: "info", Msg: string(line)})
	}
	return len(p), nil
}
