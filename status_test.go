package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/detections"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"
	"github.com/Tutortoise/timberline/pipeline"
	"github.com/Tutortoise/timberline/tracker"

	"github.com/gorilla/mux"
)

// stubDetector reports one trunk at the model center and one weak tree.
type stubDetector struct {
	err   error
	calls atomic.Int32
}

func (d *stubDetector) Infer(_ context.Context, frame *models.Frame) (*detections.RawOutput, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return &detections.RawOutput{
		Data: []float32{
			320, 100, // cx
			320, 100, // cy
			100, 40,  // w
			200, 40,  // h
			0.1, 0.3, // tree
			0.9, 0.1, // trunk
		},
		Channels:     6,
		Anchors:      2,
		Layout:       detections.ChannelsFirst,
		Coords:       detections.CoordsPixels,
		InputSize:    640,
		SourceWidth:  frame.Width(),
		SourceHeight: frame.Height(),
	}, nil
}

func (d *stubDetector) Info() detections.ProviderInfo {
	return detections.ProviderInfo{Type: "stub", Sessions: 1, InputSize: 640}
}

func (d *stubDetector) Close() error { return nil }

type stubSessions struct{ session tracker.Session }

func (s stubSessions) Session() tracker.Session { return s.session }

type stubWorkers struct{}

func (stubWorkers) Stats() []pipeline.WorkerStats {
	return []pipeline.WorkerStats{{ID: 0, Processed: 7}, {ID: 1, Processed: 5}}
}
func (stubWorkers) Running() bool { return true }

func newTestState(t *testing.T, det detections.Detector) (*AppState, *mux.Router) {
	t.Helper()
	var paused atomic.Bool
	cfg := config.Default()

	state := &AppState{
		Detector: det,
		Merger: detections.NewMerger(detections.MergerOptions{
			ConfThreshold: cfg.NMS.ConfThreshold,
			IoUThreshold:  cfg.NMS.IoUThreshold,
			Labels:        cfg.Model.Labels,
		}),
		Set:       pipeline.NewSet(),
		Sessions:  stubSessions{tracker.Session{State: tracker.Tracking, ID: "abc"}},
		Workers:   stubWorkers{},
		Selection: tracker.NewOptions(cfg).Selection,
		Paused: func(p bool, _ string) bool {
			return paused.CompareAndSwap(!p, p)
		},
		IsPaused:  paused.Load,
		StartedAt: time.Now(),
		Logger:    logging.NopLogger(),
	}
	r := mux.NewRouter()
	state.addRoutes(r)
	return state, r
}

func do(r http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestHandleStatus(t *testing.T) {
	state, r := newTestState(t, &stubDetector{})
	state.Set.Publish(pipeline.Snapshot{
		FrameSeq: 42,
		Detections: []models.Detection{
			{Label: "tree", Confidence: 0.8, BBox: image.Rect(100, 100, 200, 400)},
			{Label: "trunk", Confidence: 0.9, BBox: image.Rect(130, 220, 170, 320)},
		},
	})

	rec := do(r, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Paused bool   `json:"paused"`
		State  string `json:"state"`
		Latest struct {
			Available bool   `json:"available"`
			FrameSeq  uint64 `json:"frame_seq"`
			Count     int    `json:"count"`
		} `json:"latest"`
		Groves []tracker.Grove `json:"groves"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Paused || body.State != "tracking" {
		t.Errorf("paused = %v, state = %q", body.Paused, body.State)
	}
	if !body.Latest.Available || body.Latest.FrameSeq != 42 || body.Latest.Count != 2 {
		t.Errorf("latest = %+v", body.Latest)
	}
	if len(body.Groves) != 1 || len(body.Groves[0].Members) != 2 {
		t.Errorf("groves = %+v, want one grove of two", body.Groves)
	}
}

func TestHandleStatus_UnencodableSnapshot(t *testing.T) {
	state, r := newTestState(t, &stubDetector{})
	state.Set.Publish(pipeline.Snapshot{
		FrameSeq: 7,
		Detections: []models.Detection{
			{Label: "tree", Confidence: float32(math.NaN()), BBox: image.Rect(100, 100, 200, 400)},
		},
	})

	rec := do(r, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var got ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != "encoding_error" || got.Details == "" {
		t.Errorf("error = %+v", got)
	}
}

func TestHandleMetrics(t *testing.T) {
	_, r := newTestState(t, &stubDetector{})

	rec := do(r, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"paused", "detector", "detection_version", "tracker", "workers", "workers_running"} {
		if _, ok := body[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
	for _, key := range []string{"frames", "capture_grabs", "emitter", "sessions"} {
		if _, ok := body[key]; ok {
			t.Errorf("metrics has %q without a source", key)
		}
	}
}

func TestHandlePauseResume(t *testing.T) {
	state, r := newTestState(t, &stubDetector{})

	steps := []struct {
		path    string
		paused  bool
		changed bool
	}{
		{"/pause", true, true},
		{"/pause", true, false},
		{"/resume", false, true},
		{"/resume", false, false},
	}
	for _, s := range steps {
		rec := do(r, http.MethodPost, s.path, "", nil)
		var got PauseResponse
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("%s: decode: %v", s.path, err)
		}
		if got.Paused != s.paused || got.Changed != s.changed {
			t.Errorf("%s = %+v, want paused=%v changed=%v", s.path, got, s.paused, s.changed)
		}
	}
	if state.IsPaused() {
		t.Error("still paused after resume")
	}

	if rec := do(r, http.MethodGet, "/pause", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /pause = %d, want 405", rec.Code)
	}
}

func TestHandleDetect(t *testing.T) {
	img := pngBytes(t, 640, 480)

	jsonBody, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(img)})

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, _ := mw.CreateFormFile("file", "frame.png")
	part.Write(img)
	mw.Close()

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{"raw", "image/png", img},
		{"json", "application/json", jsonBody},
		{"multipart", mw.FormDataContentType(), form.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, r := newTestState(t, &stubDetector{})
			rec := do(r, http.MethodPost, "/detect", tt.contentType, tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}

			var got DetectResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Width != 640 || got.Height != 480 {
				t.Errorf("size = %dx%d", got.Width, got.Height)
			}
			if len(got.Detections) != 1 || got.Detections[0].Label != "trunk" {
				t.Fatalf("detections = %+v, want one trunk", got.Detections)
			}
			if want := image.Rect(270, 165, 370, 315); got.Detections[0].BBox != want {
				t.Errorf("bbox = %v, want %v", got.Detections[0].BBox, want)
			}
			if got.Target == nil || got.Target.Label != "trunk" {
				t.Errorf("target = %+v", got.Target)
			}
			if _, ok := state.Set.Latest(); ok {
				t.Error("detect must not publish to the detection set")
			}
		})
	}
}

func TestHandleDetect_Errors(t *testing.T) {
	tests := []struct {
		name        string
		det         *stubDetector
		contentType string
		body        []byte
		wantStatus  int
		wantCode    string
	}{
		{"bad json", &stubDetector{}, "application/json", []byte("{"), http.StatusBadRequest, "invalid_request"},
		{"bad base64", &stubDetector{}, "application/json", []byte(`{"image":"***"}`), http.StatusBadRequest, "invalid_request"},
		{"not an image", &stubDetector{}, "", []byte("hello"), http.StatusBadRequest, "invalid_image"},
		{"pool busy", &stubDetector{err: detections.ErrAcquireTimeout}, "image/png", nil, http.StatusServiceUnavailable, "processing_error"},
		{"inference failed", &stubDetector{err: errors.New("boom")}, "image/png", nil, http.StatusInternalServerError, "processing_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				body = pngBytes(t, 64, 64)
			}
			_, r := newTestState(t, tt.det)
			rec := do(r, http.MethodPost, "/detect", tt.contentType, body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}
