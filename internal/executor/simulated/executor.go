// Package simulated implements a media executor that models the timing and
// progress shape of real media operations without doing any media work. Each
// operation runs through a fixed set of stages, sleeping a slice of the
// operation's base duration per stage and reporting progress between slices.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/clipforge/mediaqueue/pkg/models"
)

type stage struct {
	percent int
	message string
}

var stagesByOperation = map[string][]stage{
	"trim": {
		{10, "probing input"},
		{50, "seeking keyframes"},
		{90, "writing segment"},
		{100, "finalizing container"},
	},
	"transcode": {
		{5, "probing input"},
		{30, "decoding"},
		{70, "encoding"},
		{95, "muxing"},
		{100, "finalizing container"},
	},
	"thumbnail": {
		{25, "probing input"},
		{75, "extracting frame"},
		{100, "encoding image"},
	},
	"watermark": {
		{10, "probing input"},
		{40, "compositing overlay"},
		{90, "encoding"},
		{100, "finalizing container"},
	},
	"speed_change": {
		{10, "probing input"},
		{60, "retiming frames"},
		{90, "resampling audio"},
		{100, "finalizing container"},
	},
}

var baseDurations = map[string]time.Duration{
	"trim":         400 * time.Millisecond,
	"transcode":    1200 * time.Millisecond,
	"thumbnail":    150 * time.Millisecond,
	"watermark":    800 * time.Millisecond,
	"speed_change": 600 * time.Millisecond,
}

// Executor simulates media operations. Safe for concurrent use.
type Executor struct {
	scale float64
}

// Option adjusts a simulated Executor.
type Option func(*Executor)

// WithScale multiplies every simulated duration by f. Tests use a small
// fraction to keep runs fast.
func WithScale(f float64) Option {
	return func(e *Executor) {
		if f > 0 {
			e.scale = f
		}
	}
}

// New constructs a simulated Executor.
func New(opts ...Option) *Executor {
	e := &Executor{scale: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run walks the operation's stages, sleeping between progress reports. It
// returns early with the context's error when cancelled, and
// ErrUnsupportedOperation for operation types it does not simulate.
func (e *Executor) Run(ctx context.Context, operationType string, params models.Params, sink models.ProgressFunc) (models.Artifact, error) {
	stages, ok := stagesByOperation[operationType]
	if !ok {
		return models.Artifact{}, fmt.Errorf("%w: %s", models.ErrUnsupportedOperation, operationType)
	}

	total := time.Duration(float64(baseDurations[operationType]) * e.scale)
	slice := total / time.Duration(len(stages))

	for _, st := range stages {
		if err := sleep(ctx, slice); err != nil {
			return models.Artifact{}, err
		}
		if sink != nil {
			sink(st.percent, st.message)
		}
	}

	return artifactFor(operationType, params), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("simulate: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// artifactFor derives a stable synthetic artifact from the request so that
// identical requests produce identical refs, matching what a content-addressed
// output store would do.
func artifactFor(operationType string, params models.Params) models.Artifact {
	canonical, err := params.Canonical()
	if err != nil {
		canonical = operationType
	}
	sum := sha256.Sum256([]byte(operationType + "|" + canonical))
	key := hex.EncodeToString(sum[:8])

	ext := ".mp4"
	if operationType == "thumbnail" {
		ext = ".jpg"
	}
	return models.Artifact{
		Ref:       fmt.Sprintf("/artifacts/%s/%s%s", operationType, key, ext),
		SizeBytes: (1024 + int64(sum[0])) * 1024,
	}
}

var _ models.Executor = (*Executor)(nil)
