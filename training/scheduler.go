package training

import (
	"fmt"
	"math"
)

// Schedule names accepted by NewLRScheduler.
const (
	ScheduleConstant           = "constant"
	ScheduleConstantWithWarmup = "constant_with_warmup"
	ScheduleLinear             = "linear"
	ScheduleCosine             = "cosine"
	ScheduleCosineWithRestarts = "cosine_with_restarts"
	SchedulePolynomial         = "polynomial"
)

// LRScheduler maps an update-step count to a learning rate.
// Implementations are pure: the step count lives in State.SchedulerStep.
type LRScheduler interface {
	// GetLR returns the learning rate after step scheduler advances.
	GetLR(step int64, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// ScheduleConfig selects and parameterizes a schedule.
type ScheduleConfig struct {
	Name        string
	WarmupSteps int64
	TotalSteps  int64
	// LREnd and Power apply to the polynomial schedule.
	LREnd float64
	Power float64
}

// NewLRScheduler creates the named schedule.
func NewLRScheduler(cfg ScheduleConfig) (LRScheduler, error) {
	w := warmup{steps: cfg.WarmupSteps}
	switch cfg.Name {
	case ScheduleConstant, "":
		return &ConstantScheduler{}, nil
	case ScheduleConstantWithWarmup:
		return &ConstantScheduler{warmup: w}, nil
	case ScheduleLinear:
		return &LinearScheduler{warmup: w, Total: cfg.TotalSteps}, nil
	case ScheduleCosine:
		return &CosineScheduler{warmup: w, Total: cfg.TotalSteps, Cycles: 0.5}, nil
	case ScheduleCosineWithRestarts:
		return &CosineScheduler{warmup: w, Total: cfg.TotalSteps, Cycles: 1, Restarts: true}, nil
	case SchedulePolynomial:
		power := cfg.Power
		if power == 0 {
			power = 1
		}
		return &PolynomialScheduler{warmup: w, Total: cfg.TotalSteps, LREnd: cfg.LREnd, Power: power}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", cfg.Name)
	}
}

// warmup ramps linearly from 0 to the base rate over steps.
type warmup struct {
	steps int64
}

// factor returns the warm-up multiplier and whether step is still warming up.
func (w warmup) factor(step int64) (float64, bool) {
	if step < w.steps {
		return float64(step) / float64(max(1, w.steps)), true
	}
	return 1, false
}

// progress is the fraction of post-warm-up steps completed.
func (w warmup) progress(step, total int64) float64 {
	return float64(step-w.steps) / float64(max(1, total-w.steps))
}

// ConstantScheduler keeps the base rate, optionally after a warm-up.
type ConstantScheduler struct {
	warmup
}

func (s *ConstantScheduler) GetLR(step int64, baseLR float64) float64 {
	f, _ := s.factor(step)
	return baseLR * f
}

func (s *ConstantScheduler) GetName() string {
	if s.steps > 0 {
		return ScheduleConstantWithWarmup
	}
	return ScheduleConstant
}

// LinearScheduler decays linearly to zero at Total.
type LinearScheduler struct {
	warmup
	Total int64
}

func (s *LinearScheduler) GetLR(step int64, baseLR float64) float64 {
	if f, warming := s.factor(step); warming {
		return baseLR * f
	}
	return baseLR * math.Max(0, float64(s.Total-step)/float64(max(1, s.Total-s.steps)))
}

func (s *LinearScheduler) GetName() string {
	return ScheduleLinear
}

// CosineScheduler follows a cosine curve. Without restarts Cycles=0.5 anneals
// once to zero; with restarts the curve jumps back to the base rate every
// 1/Cycles of the schedule.
type CosineScheduler struct {
	warmup
	Total    int64
	Cycles   float64
	Restarts bool
}

func (s *CosineScheduler) GetLR(step int64, baseLR float64) float64 {
	if f, warming := s.factor(step); warming {
		return baseLR * f
	}
	p := s.progress(step, s.Total)
	if !s.Restarts {
		return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*s.Cycles*2*p)))
	}
	if p >= 1 {
		return 0
	}
	return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*math.Mod(s.Cycles*p, 1))))
}

func (s *CosineScheduler) GetName() string {
	if s.Restarts {
		return ScheduleCosineWithRestarts
	}
	return ScheduleCosine
}

// PolynomialScheduler decays from the base rate to LREnd with the given power.
type PolynomialScheduler struct {
	warmup
	Total int64
	LREnd float64
	Power float64
}

func (s *PolynomialScheduler) GetLR(step int64, baseLR float64) float64 {
	if f, warming := s.factor(step); warming {
		return baseLR * f
	}
	if step > s.Total {
		return s.LREnd
	}
	remaining := 1 - s.progress(step, s.Total)
	return (baseLR-s.LREnd)*math.Pow(remaining, s.Power) + s.LREnd
}

func (s *PolynomialScheduler) GetName() string {
	return SchedulePolynomial
}
