package detections

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/models"

	ort "github.com/yalue/onnxruntime_go"
)

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// ONNXOptions configures a local onnxruntime detector.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	InputSize   int
	InputName   string
	OutputName  string
	// NumClasses sizes the output when the model reports dynamic dimensions.
	NumClasses int
	Layout     Layout
	Coords     Coords
	// Sessions is the number of sessions in the pool.
	Sessions       int
	IntraOpThreads int
}

// ONNXDetector runs a YOLO-style model through onnxruntime. Each concurrent
// caller gets its own session from the pool.
type ONNXDetector struct {
	opts         ONNXOptions
	pool         *SessionPool
	preprocessor *Preprocessor
	channels     int
	anchors      int
	ownsEnv      bool
	initTime     time.Duration
	closeOnce    sync.Once
}

var envMu sync.Mutex

// initEnvironment loads the onnxruntime shared library once per process.
func initEnvironment(libPath string) (bool, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return false, nil
	}
	if libPath == "" {
		libPath = DefaultLibraryName()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return false, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return true, nil
}

// DefaultLibraryName is the onnxruntime library name for the host OS.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func NewONNXDetector(opts ONNXOptions) (*ONNXDetector, error) {
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.InputName == "" {
		opts.InputName = "images"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output0"
	}

	ownsEnv, err := initEnvironment(opts.LibraryPath)
	if err != nil {
		return nil, err
	}

	channels, anchors, err := outputShape(opts)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}

	d := &ONNXDetector{
		opts:         opts,
		preprocessor: NewPreprocessor(opts.InputSize),
		channels:     channels,
		anchors:      anchors,
		ownsEnv:      ownsEnv,
	}

	d.pool, err = NewSessionPool(opts.Sessions, d.initSession)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}
	return d, nil
}

// outputShape reads the output dimensions from the model. Dynamic
// dimensions fall back to 4+NumClasses channels and the YOLO anchor count
// for the input size.
func outputShape(opts ONNXOptions) (channels, anchors int, err error) {
	_, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return 0, 0, fmt.Errorf("error reading model info: %w", err)
	}

	channels = 4 + opts.NumClasses
	anchors = yoloAnchors(opts.InputSize)
	for _, info := range outputs {
		if info.Name != opts.OutputName {
			continue
		}
		dims := info.Dimensions
		if len(dims) != 3 {
			return 0, 0, fmt.Errorf("output %q has %d dimensions, want 3", info.Name, len(dims))
		}
		c, n := dims[1], dims[2]
		if opts.Layout == AnchorsFirst {
			c, n = n, c
		}
		if c > 0 {
			channels = int(c)
		}
		if n > 0 {
			anchors = int(n)
		}
		return channels, anchors, nil
	}
	return 0, 0, fmt.Errorf("model has no output named %q", opts.OutputName)
}

// yoloAnchors is the number of grid cells over strides 8, 16 and 32.
func yoloAnchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}

func (d *ONNXDetector) initSession() (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if d.opts.IntraOpThreads > 0 {
		options.SetIntraOpNumThreads(d.opts.IntraOpThreads)
	}
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, 3, int64(d.opts.InputSize), int64(d.opts.InputSize))
	outputShape := ort.NewShape(1, int64(d.channels), int64(d.anchors))
	if d.opts.Layout == AnchorsFirst {
		outputShape = ort.NewShape(1, int64(d.anchors), int64(d.channels))
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		d.opts.ModelPath,
		[]string{d.opts.InputName},
		[]string{d.opts.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// Infer runs the model on frame. The output is copied out of the session
// tensor before the session goes back to the pool.
func (d *ONNXDetector) Infer(ctx context.Context, frame *models.Frame) (*RawOutput, error) {
	if frame == nil || frame.Image == nil {
		return nil, &ProcessingError{Message: "empty frame"}
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := d.inferOnce(ctx, frame)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

func (d *ONNXDetector) inferOnce(ctx context.Context, frame *models.Frame) (*RawOutput, error) {
	start := time.Now()
	timings := models.ProcessingTimings{FrameSeq: frame.Seq}

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, &ProcessingError{Message: "acquire session", Cause: err}
	}

	prepStart := time.Now()
	ratioW, ratioH := d.preprocessor.Process(frame.Image, session.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		d.pool.Discard(session, err)
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	src := session.Output.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	d.pool.Release(session)

	timings.Total = time.Since(start)
	return &RawOutput{
		Data:         data,
		Channels:     d.channels,
		Anchors:      d.anchors,
		Layout:       d.opts.Layout,
		Coords:       d.opts.Coords,
		InputSize:    d.opts.InputSize,
		SourceWidth:  frame.Width(),
		SourceHeight: frame.Height(),
		RatioW:       ratioW,
		RatioH:       ratioH,
		FrameSeq:     frame.Seq,
		Timings:      timings,
	}, nil
}

func (d *ONNXDetector) Info() ProviderInfo {
	return ProviderInfo{
		Type:        "onnx",
		Backend:     "cpu",
		Sessions:    d.pool.size,
		InputSize:   d.opts.InputSize,
		CPUFeatures: CPUFeatures(),
		InitTime:    d.initTime,
	}
}

// PoolStats exposes the session pool counters for the metrics endpoint.
func (d *ONNXDetector) PoolStats() PoolStats {
	return d.pool.Stats()
}

func (d *ONNXDetector) setInitTime(t time.Duration) { d.initTime = t }

func (d *ONNXDetector) Close() error {
	d.closeOnce.Do(func() {
		d.pool.Destroy()
		if d.ownsEnv {
			ort.DestroyEnvironment()
		}
	})
	return nil
}
