package detections

import "time"

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.5
	DefaultIoUThreshold  = 0.45
	RetryAttempts        = 2
	RetryDelayMs         = 20

	// Session pool
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second

	// Box coordinates at or below this are treated as normalized by CoordsAuto.
	autoNormalizedLimit = 1.5
)
