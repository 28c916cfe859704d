package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "nms.iou_threshold")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidProviders returns the list of valid detector providers
func ValidProviders() []string {
	return []string{"onnx", "remote"}
}

// ValidCoords returns the list of valid coordinate scale declarations
func ValidCoords() []string {
	return []string{"pixels", "normalized", "auto"}
}

// ValidLayouts returns the list of valid output tensor layouts
func ValidLayouts() []string {
	return []string{"channels_first", "anchors_first"}
}

// ValidInputKinds returns the list of valid actuation inputs
func ValidInputKinds() []string {
	return []string{"log", "mqtt"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLog()...)
	errors = append(errors, c.validateCapture()...)
	errors = append(errors, c.validateModel()...)
	errors = append(errors, c.validateNMS()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateInteraction()...)
	errors = append(errors, c.validateInputs()...)

	return errors
}

func (c *Config) validateLog() []ValidationError {
	var errors []ValidationError
	if c.Log.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	return errors
}

func (c *Config) validateCapture() []ValidationError {
	var errors []ValidationError

	if c.Capture.Source != "directory" {
		errors = append(errors, ValidationError{
			Field:   "capture.source",
			Value:   c.Capture.Source,
			Message: "must be one of: directory",
		})
	}
	if c.Capture.IntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "capture.interval_ms",
			Value:   c.Capture.IntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Capture.MonitorWidth <= 0 || c.Capture.MonitorHeight <= 0 {
		errors = append(errors, ValidationError{
			Field:   "capture.monitor_width",
			Value:   fmt.Sprintf("%dx%d", c.Capture.MonitorWidth, c.Capture.MonitorHeight),
			Message: "monitor dimensions must be positive",
		})
	}

	return errors
}

func (c *Config) validateModel() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidProviders(), c.Model.Provider) {
		errors = append(errors, ValidationError{
			Field:   "model.provider",
			Value:   c.Model.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}
	if c.Model.Provider == "onnx" && c.Model.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "model.path",
			Value:   c.Model.Path,
			Message: "required for the onnx provider",
		})
	}
	if c.Model.Provider == "remote" && c.Model.RemoteAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "model.remote_addr",
			Value:   c.Model.RemoteAddr,
			Message: "required for the remote provider",
		})
	}
	// Reasonable bounds for a YOLO-style square input
	if c.Model.InputSize < 32 || c.Model.InputSize > 4096 {
		errors = append(errors, ValidationError{
			Field:   "model.input_size",
			Value:   c.Model.InputSize,
			Message: "must be between 32 and 4096",
		})
	}
	if len(c.Model.Labels) == 0 {
		errors = append(errors, ValidationError{
			Field:   "model.labels",
			Value:   c.Model.Labels,
			Message: "at least one label is required",
		})
	}
	if !slices.Contains(ValidCoords(), c.Model.Coords) {
		errors = append(errors, ValidationError{
			Field:   "model.coords",
			Value:   c.Model.Coords,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCoords(), ", ")),
		})
	}
	if !slices.Contains(ValidLayouts(), c.Model.Layout) {
		errors = append(errors, ValidationError{
			Field:   "model.layout",
			Value:   c.Model.Layout,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLayouts(), ", ")),
		})
	}
	if c.Model.RemoteTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "model.remote_timeout_ms",
			Value:   c.Model.RemoteTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateNMS() []ValidationError {
	var errors []ValidationError

	if c.NMS.ConfThreshold < 0 || c.NMS.ConfThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "nms.conf_threshold",
			Value:   c.NMS.ConfThreshold,
			Message: "must be between 0 and 1",
		})
	}
	if c.NMS.IoUThreshold <= 0 || c.NMS.IoUThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "nms.iou_threshold",
			Value:   c.NMS.IoUThreshold,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError

	const maxWorkers = 64
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "pipeline.workers",
			Value:   c.Pipeline.Workers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkers),
		})
	}
	if c.Pipeline.IdleMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.idle_ms",
			Value:   c.Pipeline.IdleMs,
			Message: "must be non-negative",
		})
	}
	if c.Pipeline.PausedMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.paused_ms",
			Value:   c.Pipeline.PausedMs,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError
	t := c.Tracker

	if len(t.Priority) == 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.priority",
			Value:   t.Priority,
			Message: "at least one class is required",
		})
	}
	if t.CenterZoneLeft < 0 || t.CenterZoneRight > 1 || t.CenterZoneLeft >= t.CenterZoneRight {
		errors = append(errors, ValidationError{
			Field:   "tracker.center_zone_left",
			Value:   fmt.Sprintf("[%g, %g]", t.CenterZoneLeft, t.CenterZoneRight),
			Message: "center zone must satisfy 0 <= left < right <= 1",
		})
	}
	if t.MinTargetWidth < 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.min_target_width",
			Value:   t.MinTargetWidth,
			Message: "must be non-negative",
		})
	}
	for label, frac := range t.MaxWidthFraction {
		if frac <= 0 || frac > 1 {
			errors = append(errors, ValidationError{
				Field:   "tracker.max_width_fraction." + label,
				Value:   frac,
				Message: "must be in (0, 1]",
			})
		}
	}
	if _, ok := t.Weights["default"]; !ok {
		errors = append(errors, ValidationError{
			Field:   "tracker.weights.default",
			Value:   nil,
			Message: "default weights are required",
		})
	}
	for label, w := range t.Weights {
		if w.Confidence < 0 || w.Width < 0 || w.Centrality < 0 {
			errors = append(errors, ValidationError{
				Field:   "tracker.weights." + label,
				Value:   w,
				Message: "weights must be non-negative",
			})
		}
	}
	if t.RotationThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.rotation_threshold",
			Value:   t.RotationThreshold,
			Message: "must be non-negative",
		})
	}
	if t.RotationScale <= 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.rotation_scale",
			Value:   t.RotationScale,
			Message: "must be positive",
		})
	}
	if t.RotationJitter < 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.rotation_jitter",
			Value:   t.RotationJitter,
			Message: "must be non-negative",
		})
	}
	if t.PersistenceIoU <= 0 || t.PersistenceIoU >= 1 {
		errors = append(errors, ValidationError{
			Field:   "tracker.persistence_iou",
			Value:   t.PersistenceIoU,
			Message: "must be in (0, 1)",
		})
	}
	if t.SoftLockMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.soft_lock_ms",
			Value:   t.SoftLockMs,
			Message: "must be non-negative",
		})
	}
	if t.MaxTrackingTimeMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.max_tracking_time_ms",
			Value:   t.MaxTrackingTimeMs,
			Message: "must be positive",
		})
	}
	if t.TickIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "tracker.tick_interval_ms",
			Value:   t.TickIntervalMs,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateInteraction() []ValidationError {
	var errors []ValidationError
	in := c.Interaction

	if in.MaxWalkTimeMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "interaction.max_walk_time_ms",
			Value:   in.MaxWalkTimeMs,
			Message: "must be positive",
		})
	}
	if in.PollIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "interaction.poll_interval_ms",
			Value:   in.PollIntervalMs,
			Message: "must be at least 1",
		})
	}
	if in.CooldownMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "interaction.cooldown_ms",
			Value:   in.CooldownMs,
			Message: "must be non-negative",
		})
	}
	if in.ForwardKey == "" || in.InteractKey == "" {
		errors = append(errors, ValidationError{
			Field:   "interaction.forward_key",
			Value:   in.ForwardKey + "/" + in.InteractKey,
			Message: "forward and interact keys are required",
		})
	}
	if len(in.IconColor) != 3 {
		errors = append(errors, ValidationError{
			Field:   "interaction.icon_color",
			Value:   in.IconColor,
			Message: "must have exactly 3 components (r, g, b)",
		})
	} else {
		for _, v := range in.IconColor {
			if v < 0 || v > 255 {
				errors = append(errors, ValidationError{
					Field:   "interaction.icon_color",
					Value:   in.IconColor,
					Message: "components must be between 0 and 255",
				})
				break
			}
		}
	}
	if in.IconTolerance < 0 || in.IconTolerance > 255 {
		errors = append(errors, ValidationError{
			Field:   "interaction.icon_tolerance",
			Value:   in.IconTolerance,
			Message: "must be between 0 and 255",
		})
	}
	if in.PressMinMs < 0 || in.PressMaxMs < in.PressMinMs {
		errors = append(errors, ValidationError{
			Field:   "interaction.press_min_ms",
			Value:   fmt.Sprintf("[%d, %d]", in.PressMinMs, in.PressMaxMs),
			Message: "must satisfy 0 <= press_min_ms <= press_max_ms",
		})
	}

	return errors
}

// validateInputs covers the input kind, the status server and MQTT.
func (c *Config) validateInputs() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidInputKinds(), c.Input.Kind) {
		errors = append(errors, ValidationError{
			Field:   "input.kind",
			Value:   c.Input.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidInputKinds(), ", ")),
		})
	}
	if c.Input.Kind == "mqtt" && !c.MQTT.Enabled {
		errors = append(errors, ValidationError{
			Field:   "input.kind",
			Value:   c.Input.Kind,
			Message: "mqtt input requires mqtt.enabled",
		})
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "status.addr",
			Value:   c.Status.Addr,
			Message: "required when the status server is enabled",
		})
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errors = append(errors, ValidationError{
				Field:   "mqtt.broker",
				Value:   c.MQTT.Broker,
				Message: "required when mqtt is enabled",
			})
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errors = append(errors, ValidationError{
				Field:   "mqtt.qos",
				Value:   c.MQTT.QoS,
				Message: "must be 0, 1 or 2",
			})
		}
	}

	return errors
}
