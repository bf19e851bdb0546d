// Package recognition turns camera frames into identity observations.
//
// A Detector (normally the subprocess vision worker that owns the camera)
// produces face encoding vectors per frame; the Engine matches them against
// the known identities loaded at startup and emits Observations on a fixed
// cadence, independent of whatever the command loop is doing. A single
// frame's failure never escalates; it just yields an observation with no
// match.
package recognition

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Observation is one recognition sample. BestMatch is empty when no known
// identity was within tolerance.
type Observation struct {
	ID        string
	Vectors   [][]float64
	BestMatch string
	Distance  float64
	At        time.Time
}

// Matched reports whether the observation identified a known person.
func (o Observation) Matched() bool { return o.BestMatch != "" }

// Detector produces the face encodings visible in the current frame.
type Detector interface {
	Detect(ctx context.Context) ([][]float64, error)
	Close() error
}

// cameraLossThreshold is how many consecutive detector failures are treated
// as a lost camera rather than transient frame noise.
const cameraLossThreshold = 5

// Engine matches detected faces against known identities.
type Engine struct {
	identities []Identity
	tolerance  float64
	detector   Detector
	logger     *slog.Logger
}

// NewEngine creates an engine over the loaded identities. A distance equal
// to the tolerance counts as a match.
func NewEngine(identities []Identity, tolerance float64, detector Detector) *Engine {
	return &Engine{
		identities: identities,
		tolerance:  tolerance,
		detector:   detector,
		logger:     slog.With("component", "recognition"),
	}
}

// Observe takes one sample: detects faces and matches them. Detection
// failures yield an unmatched observation.
func (e *Engine) Observe(ctx context.Context) Observation {
	obs, err := e.observe(ctx)
	if err != nil {
		e.logger.Debug("frame detection failed", "error", err)
	}
	return obs
}

// observe is Observe with the detector error surfaced, so the sampling loop
// can tell a lost camera apart from a frame with no face in it.
func (e *Engine) observe(ctx context.Context) (Observation, error) {
	obs := Observation{
		ID: uuid.NewString(),
		At: time.Now(),
	}

	vectors, err := e.detector.Detect(ctx)
	if err != nil {
		return obs, err
	}
	obs.Vectors = vectors

	name, dist := e.match(vectors)
	obs.BestMatch = name
	obs.Distance = dist
	return obs, nil
}

// match finds the known identity with the minimum distance to any detected
// vector. Ties are broken by minimum distance; a distance above the
// tolerance is not a match.
func (e *Engine) match(vectors [][]float64) (string, float64) {
	best := ""
	bestDist := math.Inf(1)

	for _, vec := range vectors {
		for _, id := range e.identities {
			for _, ref := range id.Encodings {
				if d := euclidean(vec, ref); d < bestDist {
					bestDist = d
					best = id.Name
				}
			}
		}
	}

	if best == "" || bestDist > e.tolerance {
		return "", bestDist
	}
	return best, bestDist
}

// euclidean computes the Euclidean distance between two encodings. Vectors
// of mismatched or zero length are maximally distant.
func euclidean(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// sample takes one observation under a per-call deadline so a detector that
// accepts a request but never replies registers as a failure instead of
// stalling the cadence forever.
func (e *Engine) sample(ctx context.Context, interval time.Duration) (Observation, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, 2*interval)
	defer cancel()
	return e.observe(sampleCtx)
}

// Run samples on the given cadence until the context is cancelled, sending
// observations to sink. A full sink drops the sample rather than stalling
// the cadence. After cameraLossThreshold consecutive detector failures the
// engine assumes the camera is gone, logs a warning, and returns. The
// session manager's housekeeping tick drains whatever session remains.
func (e *Engine) Run(ctx context.Context, interval time.Duration, sink chan<- Observation) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		obs, err := e.sample(ctx, interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			e.logger.Debug("frame detection failed", "error", err, "consecutive_failures", consecutiveFailures)
			if consecutiveFailures >= cameraLossThreshold {
				e.logger.Warn("camera appears to be lost, halting recognition", "consecutive_failures", consecutiveFailures)
				return
			}
			continue
		}
		consecutiveFailures = 0

		select {
		case sink <- obs:
		case <-ctx.Done():
			return
		default:
			e.logger.Debug("observation dropped, consumer busy", "observation_id", obs.ID)
		}
	}
}
