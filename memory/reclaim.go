package memory

import (
	"log/slog"
	"runtime/debug"
)

// CleanupPoint names a fixed place in the training loop where memory is reclaimed.
type CleanupPoint int

const (
	PostMicroStep CleanupPoint = iota
	PostEpoch
	PostSave
)

func (p CleanupPoint) String() string {
	switch p {
	case PostMicroStep:
		return "post_micro_step"
	case PostEpoch:
		return "post_epoch"
	case PostSave:
		return "post_save"
	default:
		return "unknown"
	}
}

// Reclaimer releases pooled buffers and returns freed heap to the OS.
type Reclaimer struct {
	manager *Manager
	// ReturnToOS forces a collection and returns memory at every point except
	// PostMicroStep, where it is skipped unless EveryMicroStep is set.
	ReturnToOS     bool
	EveryMicroStep bool
	logger         *slog.Logger
}

// NewReclaimer creates a reclaimer for manager, which may be nil.
func NewReclaimer(manager *Manager, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		manager:    manager,
		ReturnToOS: true,
		logger:     logger.With("system", "memory"),
	}
}

// Reclaim runs the cleanup for point.
func (r *Reclaimer) Reclaim(point CleanupPoint) {
	if point == PostMicroStep && !r.EveryMicroStep {
		return
	}

	dropped := 0
	if r.manager != nil {
		dropped = r.manager.Release()
	}
	if r.ReturnToOS {
		debug.FreeOSMemory()
	}
	r.logger.Debug("memory reclaimed", "point", point, "buffers_dropped", dropped)
}
