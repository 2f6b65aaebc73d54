package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cjeanneret/HdrGo/internal/config"
	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/journal"
	"github.com/cjeanneret/HdrGo/internal/logic/capture"
)

// maxBodyBytes bounds POST /capture bodies.
const maxBodyBytes = 1 << 20

// Overrides holds capture parameters that can override config defaults.
// Zero values keep the configured ones.
type Overrides struct {
	HDR          *bool `json:"hdr,omitempty"`
	BracketCount int   `json:"bracket_count,omitempty"`
	ExposureStep int   `json:"exposure_step,omitempty"`
}

// ValidateOverrides checks the ranges of non-zero overrides.
func ValidateOverrides(o Overrides) error {
	if o.BracketCount != 0 && (o.BracketCount < 1 || o.BracketCount > config.MaxBracketCount) {
		return fmt.Errorf("bracket_count must be between 1 and %d", config.MaxBracketCount)
	}
	if o.ExposureStep != 0 && (o.ExposureStep < 1 || o.ExposureStep > 3) {
		return errors.New("exposure_step must be 1, 2 or 3")
	}
	if o.HDR != nil && !*o.HDR && o.BracketCount > 1 {
		return errors.New("bracket_count needs hdr")
	}
	return nil
}

// CaptureResult summarizes a finished photo for the status stream.
type CaptureResult struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Frames      int    `json:"frames"`
	Reference   string `json:"reference"`
	MergeQueued bool   `json:"merge_queued"`
}

// RunCaptureFunc runs a capture with the given overrides.
// It is called from the POST /capture handler in a goroutine.
type RunCaptureFunc func(ctx context.Context, overrides Overrides) (CaptureResult, error)

// DevicesFunc lists the capabilities of the known devices.
type DevicesFunc func(ctx context.Context) ([]camera.Capabilities, error)

// HistoryFunc lists recent sequences, newest first.
type HistoryFunc func(ctx context.Context, limit int) ([]journal.Record, error)

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	Device       string `json:"device"`
	HDR          bool   `json:"hdr"`
	BracketCount int    `json:"bracket_count"`
	ExposureStep int    `json:"exposure_step"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunCapture   RunCaptureFunc
	Devices      DevicesFunc
	History      HistoryFunc
	FormDefaults FormConfig
	Log          zerolog.Logger

	runningMu sync.Mutex
	running   bool
	wg        sync.WaitGroup
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runCapture is nil, POST /capture will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runCapture RunCaptureFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunCapture:   runCapture,
		FormDefaults: formDefaults,
		Log:          zerolog.Nop(),
		staticFS:     staticFS,
	}
}

// Wait blocks until a capture started by HandleCapture has finished.
func (h *Handlers) Wait() { h.wg.Wait() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleDevices returns the device capabilities.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if h.Devices == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "devices not configured")
		return
	}
	caps, err := h.Devices(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": caps})
}

// HandleHistory returns recent sequences; ?limit= defaults to 50.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sequences": []journal.Record{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	recs, err := h.History(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": recs})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// HandleCapture handles POST /capture to start a photo.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var overrides Overrides
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&overrides); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.RunCapture == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "capture not configured")
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		writeJSONError(w, http.StatusConflict, "capture already in progress")
		return
	}
	h.running = true
	h.wg.Add(1)
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer h.wg.Done()
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		start := time.Now()
		res, err := h.RunCapture(context.Background(), overrides)
		if err != nil {
			h.Broadcaster.PublishFailure(err)
			h.Log.Error().Err(err).Str("failure", capture.Classify(err).String()).Msg("capture failed")
			return
		}
		h.Broadcaster.Broadcast("info", fmt.Sprintf("Sequence complete: %s, %d frames in %s",
			res.Mode, res.Frames, time.Since(start).Round(time.Millisecond)))
		h.Broadcaster.PublishResult(res)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
