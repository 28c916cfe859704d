package detections

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/models"

	"github.com/vmihailenco/msgpack/v5"
)

// maxRemoteMessage bounds a single framed response.
const maxRemoteMessage = 64 << 20

// RemoteOptions configures a detector served by an inference process on
// another host.
type RemoteOptions struct {
	Addr      string
	InputSize int
	Timeout   time.Duration
	// MaxConns is the number of idle connections kept for reuse.
	MaxConns int
}

// InferRequest is one frame sent to the inference service. Pixels holds the
// model-sized image as row-major RGB bytes.
type InferRequest struct {
	Seq       uint64 `msgpack:"seq"`
	InputSize int    `msgpack:"input_size"`
	Pixels    []byte `msgpack:"pixels"`
}

// InferResponse is the service reply for one InferRequest.
type InferResponse struct {
	Seq      uint64    `msgpack:"seq"`
	Data     []float32 `msgpack:"data"`
	Channels int       `msgpack:"channels"`
	Anchors  int       `msgpack:"anchors"`
	Layout   string    `msgpack:"layout"`
	Coords   string    `msgpack:"coords"`
	Error    string    `msgpack:"error,omitempty"`
}

// RemoteDetector sends frames over TCP using 4-byte big-endian length
// prefixed msgpack messages, one request and one response per exchange.
type RemoteDetector struct {
	opts         RemoteOptions
	preprocessor *Preprocessor
	idle         chan net.Conn
	dialer       net.Dialer
	initTime     time.Duration

	mu     sync.Mutex
	closed bool
}

func NewRemoteDetector(opts RemoteOptions) *RemoteDetector {
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultPoolSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &RemoteDetector{
		opts:         opts,
		preprocessor: NewPreprocessor(opts.InputSize),
		idle:         make(chan net.Conn, opts.MaxConns),
	}
}

func (d *RemoteDetector) Infer(ctx context.Context, frame *models.Frame) (*RawOutput, error) {
	if frame == nil || frame.Image == nil {
		return nil, &ProcessingError{Message: "empty frame"}
	}

	start := time.Now()
	timings := models.ProcessingTimings{FrameSeq: frame.Seq}

	pixels, ratioW, ratioH := d.preprocessor.Resize(frame.Image)
	timings.Preprocess = time.Since(start)

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	conn, err := d.conn(ctx)
	if errors.Is(err, ErrPoolClosed) {
		return nil, err
	}
	if err != nil {
		return nil, &ProcessingError{Message: "connect to inference service", Cause: fmt.Errorf("%w: %v", ErrRemoteFailure, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	inferStart := time.Now()
	req := InferRequest{Seq: frame.Seq, InputSize: d.opts.InputSize, Pixels: pixels}
	var resp InferResponse
	if err := exchange(conn, &req, &resp); err != nil {
		conn.Close()
		return nil, &ProcessingError{Message: "remote inference", Cause: fmt.Errorf("%w: %v", ErrRemoteFailure, err)}
	}
	timings.Inference = time.Since(inferStart)
	d.release(conn)

	if resp.Error != "" {
		return nil, &ProcessingError{Message: "remote inference", Cause: fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Error)}
	}
	layout, err := ParseLayout(resp.Layout)
	if err != nil {
		return nil, &ProcessingError{Message: "remote response", Cause: err}
	}
	coords, err := ParseCoords(resp.Coords)
	if err != nil {
		return nil, &ProcessingError{Message: "remote response", Cause: err}
	}

	timings.Total = time.Since(start)
	return &RawOutput{
		Data:         resp.Data,
		Channels:     resp.Channels,
		Anchors:      resp.Anchors,
		Layout:       layout,
		Coords:       coords,
		InputSize:    d.opts.InputSize,
		SourceWidth:  frame.Width(),
		SourceHeight: frame.Height(),
		RatioW:       ratioW,
		RatioH:       ratioH,
		FrameSeq:     frame.Seq,
		Timings:      timings,
	}, nil
}

func (d *RemoteDetector) conn(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case c, ok := <-d.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	default:
	}
	return d.dialer.DialContext(ctx, "tcp", d.opts.Addr)
}

func (d *RemoteDetector) release(c net.Conn) {
	c.SetDeadline(time.Time{})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		c.Close()
		return
	}
	select {
	case d.idle <- c:
	default:
		c.Close()
	}
}

func (d *RemoteDetector) Info() ProviderInfo {
	return ProviderInfo{
		Type:        "remote",
		Backend:     d.opts.Addr,
		Sessions:    d.opts.MaxConns,
		InputSize:   d.opts.InputSize,
		CPUFeatures: CPUFeatures(),
		InitTime:    d.initTime,
	}
}

func (d *RemoteDetector) setInitTime(t time.Duration) { d.initTime = t }

func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.idle)
	for c := range d.idle {
		c.Close()
	}
	return nil
}

// exchange writes one framed request and reads one framed response.
func exchange(rw io.ReadWriter, req, resp any) error {
	if err := WriteFrame(rw, req); err != nil {
		return err
	}
	return ReadFrame(rw, resp)
}

// WriteFrame marshals v to msgpack and writes it with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack message into v.
func ReadFrame(r io.Reader, v any) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	msgLength := binary.BigEndian.Uint32(lengthBuf)
	if msgLength > maxRemoteMessage {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", msgLength, maxRemoteMessage)
	}

	payload := make([]byte, msgLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
