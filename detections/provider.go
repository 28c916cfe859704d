package detections

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/models"

	"golang.org/x/sys/cpu"
)

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
	ErrRemoteFailure  = errors.New("remote inference failed")
)

// Detector converts a frame into a raw output tensor. Implementations must
// be safe for concurrent use by the worker pool.
type Detector interface {
	Infer(ctx context.Context, frame *models.Frame) (*RawOutput, error)
	Info() ProviderInfo
	Close() error
}

// ProviderInfo describes an initialized detector.
type ProviderInfo struct {
	Type        string        `json:"type"`    // "onnx" or "remote"
	Backend     string        `json:"backend"` // "cpu" or the remote address
	Sessions    int           `json:"sessions"`
	InputSize   int           `json:"input_size"`
	CPUFeatures []string      `json:"cpu_features"`
	InitTime    time.Duration `json:"init_time"`
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// New builds the detector selected by cfg.Provider. sessions bounds the
// number of concurrent inferences and is normally the worker count.
func New(cfg config.ModelConfig, sessions int) (Detector, error) {
	layout, err := ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	coords, err := ParseCoords(cfg.Coords)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var det Detector
	switch cfg.Provider {
	case "onnx":
		det, err = NewONNXDetector(ONNXOptions{
			ModelPath:      cfg.Path,
			LibraryPath:    cfg.LibraryPath,
			InputSize:      cfg.InputSize,
			InputName:      cfg.InputName,
			OutputName:     cfg.OutputName,
			NumClasses:     len(cfg.Labels),
			Layout:         layout,
			Coords:         coords,
			Sessions:       sessions,
			IntraOpThreads: cfg.IntraOpThreads,
		})
	case "remote":
		det, err = NewRemoteDetector(RemoteOptions{
			Addr:      cfg.RemoteAddr,
			InputSize: cfg.InputSize,
			Timeout:   cfg.RemoteTimeout(),
			MaxConns:  sessions,
		}), nil
	default:
		return nil, fmt.Errorf("unknown detector provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s detector: %w", cfg.Provider, err)
	}

	if d, ok := det.(interface{ setInitTime(time.Duration) }); ok {
		d.setInitTime(time.Since(start))
	}
	return det, nil
}

// CPUFeatures lists the SIMD extensions reported by the host CPU.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fphp")
		}
	}
	return features
}
