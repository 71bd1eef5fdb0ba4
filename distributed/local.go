package distributed

import "log/slog"

// NewLocalGroups returns n in-process group members sharing one rendezvous.
// Member i has rank i; each member must be driven by its own goroutine.
func NewLocalGroups(n int, logger *slog.Logger) []Group {
	r := newRendezvous(n)
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = newMember(i, n, r, logger)
	}
	return groups
}

// Single returns a group with one process, for which every collective returns immediately.
func Single(logger *slog.Logger) Group {
	return NewLocalGroups(1, logger)[0]
}
