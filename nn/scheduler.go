package nn

import (
	"fmt"
	"math"
)

// LRScheduler interface defines learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float32

	// Name returns the scheduler name
	Name() string
}

// NewScheduler builds a schedule by name over totalSteps steps starting at baseLR.
// Known names: "constant" (or empty), "linear" and "cosine". Decaying schedules end at
// a tenth of the base rate.
func NewScheduler(name string, baseLR float32, totalSteps int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return NewConstantScheduler(baseLR), nil
	case "linear":
		return NewLinearDecayScheduler(baseLR, baseLR/10, totalSteps), nil
	case "cosine":
		return NewCosineAnnealingScheduler(baseLR, baseLR/10, totalSteps), nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q (want constant, linear or cosine)", name)
	}
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Linear Decay Scheduler - Linear decay from initial to final LR
// ============================================================================

type LinearDecayScheduler struct {
	initialLR  float32
	finalLR    float32
	totalSteps int
}

func NewLinearDecayScheduler(initialLR, finalLR float32, totalSteps int) *LinearDecayScheduler {
	return &LinearDecayScheduler{
		initialLR:  initialLR,
		finalLR:    finalLR,
		totalSteps: totalSteps,
	}
}

func (s *LinearDecayScheduler) GetLR(step int) float32 {
	if step >= s.totalSteps {
		return s.finalLR
	}

	// lr = initialLR + (finalLR - initialLR) * (step / totalSteps)
	progress := float32(step) / float32(s.totalSteps)
	return s.initialLR + (s.finalLR-s.initialLR)*progress
}

func (s *LinearDecayScheduler) Name() string {
	return "LinearDecay"
}

// ============================================================================
// Cosine Annealing Scheduler - Cosine decay from initial to minimum LR
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR  float32
	minLR      float32
	totalSteps int
}

func NewCosineAnnealingScheduler(initialLR, minLR float32, totalSteps int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{
		initialLR:  initialLR,
		minLR:      minLR,
		totalSteps: totalSteps,
	}
}

func (s *CosineAnnealingScheduler) GetLR(step int) float32 {
	if step >= s.totalSteps {
		return s.minLR
	}
	progress := float32(step) / float32(s.totalSteps)

	// lr = minLR + (initialLR - minLR) * (1 + cos(pi * progress)) / 2
	cosineDecay := (1.0 + float32(math.Cos(math.Pi*float64(progress)))) / 2.0
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string {
	return "CosineAnnealing"
}
