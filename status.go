package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Tutortoise/timberline/capture"
	"github.com/Tutortoise/timberline/detections"
	"github.com/Tutortoise/timberline/emitter"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/models"
	"github.com/Tutortoise/timberline/pipeline"
	"github.com/Tutortoise/timberline/tracker"

	"github.com/gorilla/mux"
)

const maxUploadSize = 32 << 20

type sessionSource interface {
	Session() tracker.Session
}

type workerSource interface {
	Stats() []pipeline.WorkerStats
	Running() bool
}

type frameSource interface {
	Stats() capture.BufferStats
}

type captureSource interface {
	Stats() (grabs, failures uint64)
}

// AppState is what the status server reads from and acts on. Workers,
// Frames, Capture and Emitter are optional.
type AppState struct {
	Detector  detections.Detector
	Merger    pipeline.Merger
	Set       *pipeline.Set
	Sessions  sessionSource
	Workers   workerSource
	Frames    frameSource
	Capture   captureSource
	Emitter   *emitter.EventEmitter
	Selection tracker.SelectOptions

	Paused   func(paused bool, source string) bool
	IsPaused func() bool

	StartedAt time.Time
	Logger    *logging.Logger
}

// DetectResponse is the reply of POST /detect.
type DetectResponse struct {
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Detections  []models.Detection `json:"detections"`
	Groves      []tracker.Grove    `json:"groves"`
	Target      *models.Detection  `json:"target,omitempty"`
	InferenceMs int64              `json:"inference_ms"`
	TotalMs     int64              `json:"total_ms"`
}

type PauseResponse struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *AppState) addRoutes(r *mux.Router) {
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/pause", s.handlePause(true)).Methods("POST")
	r.HandleFunc("/resume", s.handlePause(false)).Methods("POST")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
}

func (s *AppState) status() map[string]any {
	session := s.Sessions.Session()
	snap, ok := s.Set.Latest()

	latest := map[string]any{
		"available":    ok,
		"version":      s.Set.Version(),
		"frame_seq":    snap.FrameSeq,
		"worker_id":    snap.WorkerID,
		"published_at": snap.PublishedAt,
		"count":        len(snap.Detections),
		"detections":   snap.Detections,
	}

	return map[string]any{
		"paused":     s.IsPaused(),
		"state":      session.State,
		"session":    session,
		"latest":     latest,
		"groves":     tracker.Groves(snap.Detections),
		"uptime_sec": int64(time.Since(s.StartedAt).Seconds()),
	}
}

func (s *AppState) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"paused":            s.IsPaused(),
		"detector":          s.Detector.Info(),
		"detection_version": s.Set.Version(),
		"tracker":           s.Sessions.Session().Counters,
	}

	if p, ok := s.Detector.(interface{ PoolStats() detections.PoolStats }); ok {
		response["sessions"] = p.PoolStats()
	}
	if s.Workers != nil {
		response["workers_running"] = s.Workers.Running()
		response["workers"] = s.Workers.Stats()
	}
	if s.Frames != nil {
		response["frames"] = s.Frames.Stats()
	}
	if s.Capture != nil {
		grabs, failures := s.Capture.Stats()
		response["capture_grabs"] = grabs
		response["capture_failures"] = failures
	}
	if s.Emitter != nil {
		response["emitter"] = s.Emitter.Stats()
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		changed := s.Paused(paused, "http")
		s.writeJSON(w, http.StatusOK, PauseResponse{Paused: s.IsPaused(), Changed: changed})
	}
}

// handleDetect runs one image through the detector and merger outside of
// the worker pool. The shared detection set is not touched.
func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := fmt.Sprintf("%d", startTotal.UnixNano())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	contentType := r.Header.Get("Content-Type")

	var imgBytes []byte
	var err error

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		imgBytes, err = handleJSONRequest(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		imgBytes, err = handleMultipartRequest(r)
	default:
		imgBytes, err = handleRawRequest(r)
	}

	if err != nil {
		s.sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := decodeImage(imgBytes)
	if err != nil {
		s.sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	response, raw, err := detectImage(r.Context(), s.Detector, s.Merger, s.Selection, img)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, detections.ErrAcquireTimeout) || errors.Is(err, detections.ErrPoolClosed) {
			status = http.StatusServiceUnavailable
		}
		s.sendErrorResponse(w, "processing_error", err.Error(), status)
		return
	}
	response.TotalMs = time.Since(startTotal).Milliseconds()

	s.Logger.Debug("detect request served",
		"request_id", requestID,
		"count", len(response.Detections),
		"preprocess_ms", raw.Timings.Preprocess.Milliseconds(),
		"inference_ms", raw.Timings.Inference.Milliseconds(),
		"total_ms", response.TotalMs,
	)
	s.writeJSON(w, http.StatusOK, response)
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

// decodeImage accepts every format the capture package registers.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// writeJSON encodes v before committing status, so an unencodable value
// becomes a 500 instead of a truncated 200.
func (s *AppState) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		json.NewEncoder(&buf).Encode(ErrorResponse{
			Code:    "encoding_error",
			Message: "Failed to encode response",
			Details: err.Error(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.Logger.Debug("failed to write response", "error", err)
	}
}

func (s *AppState) sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	s.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
