package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/timberline/capture"
	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/detections"
	"github.com/Tutortoise/timberline/models"
	"github.com/Tutortoise/timberline/pipeline"
	"github.com/Tutortoise/timberline/tracker"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Run the detector on image files and print the result as JSON",
	Long: `Run the configured detector and box merger on each image and print the
detections, their groves and the target the tracker would pick.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

// detectImage runs img through det and merger and picks a target.
func detectImage(ctx context.Context, det detections.Detector, merger pipeline.Merger, sel tracker.SelectOptions, img image.Image) (*DetectResponse, *detections.RawOutput, error) {
	start := time.Now()
	frame := &models.Frame{CapturedAt: start, Image: imaging.Clone(img)}

	raw, err := det.Infer(ctx, frame)
	if err != nil {
		return nil, nil, err
	}
	dets, err := merger.Merge(raw)
	if err != nil {
		return nil, raw, err
	}

	size := image.Pt(frame.Width(), frame.Height())
	resp := &DetectResponse{
		Width:       size.X,
		Height:      size.Y,
		Detections:  dets,
		Groves:      tracker.Groves(dets),
		InferenceMs: raw.Timings.Inference.Milliseconds(),
		TotalMs:     time.Since(start).Milliseconds(),
	}
	if target, ok := tracker.SelectTarget(dets, size, sel); ok {
		resp.Target = &target
	}
	return resp, raw, nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	det, err := detections.New(cfg.Model, 1)
	if err != nil {
		return err
	}
	defer det.Close()

	merger := detections.NewMerger(detections.MergerOptions{
		ConfThreshold: cfg.NMS.ConfThreshold,
		IoUThreshold:  cfg.NMS.IoUThreshold,
		ClassAware:    cfg.NMS.ClassAware,
		Labels:        cfg.Model.Labels,
	})
	sel := tracker.NewOptions(cfg).Selection

	type result struct {
		File string `json:"file"`
		*DetectResponse
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, path := range args {
		img, err := capture.DecodeFile(path)
		if err != nil {
			return err
		}
		resp, _, err := detectImage(cmd.Context(), det, merger, sel, img)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(result{File: path, DetectResponse: resp}); err != nil {
			return err
		}
	}
	return nil
}
