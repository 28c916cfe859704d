package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"unknown source", func(c *Config) { c.Capture.Source = "screen" }, "capture.source"},
		{"zero interval", func(c *Config) { c.Capture.IntervalMs = 0 }, "capture.interval_ms"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "tensorrt" }, "model.provider"},
		{"onnx without path", func(c *Config) { c.Model.Path = "" }, "model.path"},
		{"remote without addr", func(c *Config) {
			c.Model.Provider = "remote"
			c.Model.RemoteAddr = ""
		}, "model.remote_addr"},
		{"tiny input", func(c *Config) { c.Model.InputSize = 8 }, "model.input_size"},
		{"no labels", func(c *Config) { c.Model.Labels = nil }, "model.labels"},
		{"bad coords", func(c *Config) { c.Model.Coords = "guess" }, "model.coords"},
		{"bad layout", func(c *Config) { c.Model.Layout = "nhwc" }, "model.layout"},
		{"conf above one", func(c *Config) { c.NMS.ConfThreshold = 1.5 }, "nms.conf_threshold"},
		{"zero iou", func(c *Config) { c.NMS.IoUThreshold = 0 }, "nms.iou_threshold"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"empty priority", func(c *Config) { c.Tracker.Priority = nil }, "tracker.priority"},
		{"inverted zone", func(c *Config) {
			c.Tracker.CenterZoneLeft = 0.7
			c.Tracker.CenterZoneRight = 0.3
		}, "tracker.center_zone_left"},
		{"width fraction", func(c *Config) { c.Tracker.MaxWidthFraction["tree"] = 1.2 }, "tracker.max_width_fraction.tree"},
		{"missing default weights", func(c *Config) { delete(c.Tracker.Weights, "default") }, "tracker.weights.default"},
		{"negative weight", func(c *Config) { c.Tracker.Weights["tree"] = ScoreWeights{Width: -1} }, "tracker.weights.tree"},
		{"persistence iou", func(c *Config) { c.Tracker.PersistenceIoU = 1 }, "tracker.persistence_iou"},
		{"tracking time", func(c *Config) { c.Tracker.MaxTrackingTimeMs = 0 }, "tracker.max_tracking_time_ms"},
		{"walk time", func(c *Config) { c.Interaction.MaxWalkTimeMs = 0 }, "interaction.max_walk_time_ms"},
		{"icon color length", func(c *Config) { c.Interaction.IconColor = []int{1, 2} }, "interaction.icon_color"},
		{"icon color range", func(c *Config) { c.Interaction.IconColor = []int{1, 2, 300} }, "interaction.icon_color"},
		{"press range", func(c *Config) { c.Interaction.PressMaxMs = 1 }, "interaction.press_min_ms"},
		{"unknown input", func(c *Config) { c.Input.Kind = "uinput" }, "input.kind"},
		{"mqtt input without mqtt", func(c *Config) { c.Input.Kind = "mqtt" }, "input.kind"},
		{"mqtt qos", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.QoS = 3
		}, "mqtt.qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("Validate() returned no errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() errors %v do not include field %q", ValidationErrors(errs), tt.wantField)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	single := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if got := single.Error(); got != "a: bad (got: 1)" {
		t.Errorf("single Error() = %q", got)
	}

	multi := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	got := multi.Error()
	if !strings.HasPrefix(got, "2 validation errors:") {
		t.Errorf("multi Error() = %q", got)
	}
	if !strings.Contains(got, "2. b: worse (got: 2)") {
		t.Errorf("multi Error() missing second entry: %q", got)
	}

	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should have empty message")
	}
}
