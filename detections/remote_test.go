package detections

import (
	"bytes"
	"context"
	"errors"
	"image"
	"net"
	"testing"
	"time"

	"github.com/Tutortoise/timberline/models"
)

// serve answers every request on l with fn until the listener closes.
func serve(t *testing.T, l net.Listener, fn func(InferRequest) InferResponse) {
	t.Helper()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					var req InferRequest
					if err := ReadFrame(c, &req); err != nil {
						return
					}
					if err := WriteFrame(c, fn(req)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

func testFrame(seq uint64, w, h int) *models.Frame {
	return &models.Frame{Seq: seq, CapturedAt: time.Now(), Image: image.NewNRGBA(image.Rect(0, 0, w, h))}
}

func TestRemoteDetector_Infer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	serve(t, l, func(req InferRequest) InferResponse {
		if len(req.Pixels) != req.InputSize*req.InputSize*3 {
			return InferResponse{Error: "bad pixel buffer"}
		}
		return InferResponse{
			Seq:      req.Seq,
			Data:     []float32{32, 32, 16, 16, 0.9},
			Channels: 5,
			Anchors:  1,
			Layout:   "anchors_first",
			Coords:   "pixels",
		}
	})

	d := NewRemoteDetector(RemoteOptions{Addr: l.Addr().String(), InputSize: 64, Timeout: time.Second, MaxConns: 1})
	defer d.Close()

	for seq := uint64(1); seq <= 2; seq++ {
		raw, err := d.Infer(context.Background(), testFrame(seq, 128, 64))
		if err != nil {
			t.Fatalf("Infer() error = %v", err)
		}
		if raw.FrameSeq != seq || raw.Layout != AnchorsFirst {
			t.Errorf("raw = %+v", raw)
		}
		if raw.RatioW != 2 || raw.RatioH != 1 {
			t.Errorf("ratios = (%v, %v), want (2, 1)", raw.RatioW, raw.RatioH)
		}

		dets, err := NewMerger(MergerOptions{ConfThreshold: 0.5, Labels: []string{"tree"}}).Merge(raw)
		if err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if want := image.Rect(48, 24, 80, 40); len(dets) != 1 || dets[0].BBox != want {
			t.Errorf("dets = %+v, want bbox %v", dets, want)
		}
	}
}

func TestRemoteDetector_ServiceError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	serve(t, l, func(req InferRequest) InferResponse { return InferResponse{Error: "gpu on fire"} })

	d := NewRemoteDetector(RemoteOptions{Addr: l.Addr().String(), InputSize: 32})
	defer d.Close()

	_, err = d.Infer(context.Background(), testFrame(1, 32, 32))
	if !errors.Is(err, ErrRemoteFailure) {
		t.Errorf("Infer() error = %v, want ErrRemoteFailure", err)
	}
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Errorf("Infer() error type = %T, want *ProcessingError", err)
	}
}

func TestRemoteDetector_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	d := NewRemoteDetector(RemoteOptions{Addr: addr, InputSize: 32, Timeout: 200 * time.Millisecond})
	defer d.Close()

	if _, err := d.Infer(context.Background(), testFrame(1, 32, 32)); !errors.Is(err, ErrRemoteFailure) {
		t.Errorf("Infer() error = %v, want ErrRemoteFailure", err)
	}
}

func TestRemoteDetector_Closed(t *testing.T) {
	d := NewRemoteDetector(RemoteOptions{Addr: "127.0.0.1:1", InputSize: 32, Timeout: 200 * time.Millisecond})
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := d.Infer(context.Background(), testFrame(1, 32, 32)); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Infer() after Close error = %v, want ErrPoolClosed", err)
	}
}

func TestRemoteDetector_ConnAfterIdleClosed(t *testing.T) {
	d := NewRemoteDetector(RemoteOptions{Addr: "127.0.0.1:1", InputSize: 32, Timeout: 200 * time.Millisecond})
	// Close lands after conn has read the closed flag but before it receives.
	close(d.idle)

	c, err := d.conn(context.Background())
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("conn() error = %v, want ErrPoolClosed", err)
	}
	if c != nil {
		t.Errorf("conn() = %v, want nil", c)
	}
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := InferRequest{Seq: 9, InputSize: 2, Pixels: []byte{1, 2, 3}}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if got := buf.Len(); got < 4 {
		t.Fatalf("frame too short: %d", got)
	}

	var out InferRequest
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if out.Seq != 9 || !bytes.Equal(out.Pixels, in.Pixels) {
		t.Errorf("ReadFrame() = %+v, want %+v", out, in)
	}
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var out InferRequest
	if err := ReadFrame(buf, &out); err == nil {
		t.Error("ReadFrame() should reject an oversized length prefix")
	}
}
