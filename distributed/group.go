// Package distributed lets N cooperating processes execute the same control
// flow in lockstep. Every collective is a blocking rendezvous: a process that
// reaches a collective waits until all processes have reached it.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-finetune/checkpoints"
)

// CoordinatorRank is the rank responsible for all shared file-system side effects.
const CoordinatorRank = 0

// ErrCollectiveMismatch is returned to every participant of a collective when
// processes disagree on which collective they are executing.
var ErrCollectiveMismatch = errors.New("processes reached different collectives")

// SyncPoint names a mandatory barrier.
type SyncPoint int

const (
	DatasetFinalized SyncPoint = iota
	BeforeSamples
	AfterSamples
	BeforeImageValidation
	AfterImageValidation
	BeforeLossValidation
	AfterLossValidation
	EpochStart
	EpochEnd
	BeforeSave
	AfterSave
)

var syncPointNames = [...]string{
	DatasetFinalized:      "dataset_finalized",
	BeforeSamples:         "before_samples",
	AfterSamples:          "after_samples",
	BeforeImageValidation: "before_image_validation",
	AfterImageValidation:  "after_image_validation",
	BeforeLossValidation:  "before_loss_validation",
	AfterLossValidation:   "after_loss_validation",
	EpochStart:            "epoch_start",
	EpochEnd:              "epoch_end",
	BeforeSave:            "before_save",
	AfterSave:             "after_save",
}

func (p SyncPoint) String() string {
	if p < 0 || int(p) >= len(syncPointNames) {
		return fmt.Sprintf("sync_point(%d)", int(p))
	}
	return syncPointNames[p]
}

// Group is one process's handle on the cooperating process group.
type Group interface {
	Rank() int
	WorldSize() int
	IsCoordinator() bool
	// Barrier blocks until every process reached point.
	Barrier(ctx context.Context, point SyncPoint) error
	// AllMean returns the mean of v across all processes.
	AllMean(ctx context.Context, v float64) (float64, error)
	// GatherWeights collects every process's weight shard. The coordinator
	// receives the merged weights; every other process receives nil.
	GatherWeights(ctx context.Context, shard *checkpoints.Weights) (*checkpoints.Weights, error)
	Close() error
}

// transport carries one contribution of one collective round. It returns the
// payloads of all ranks ordered by rank, or nil when root names another rank.
type transport interface {
	exchange(ctx context.Context, seq uint64, rank int, op string, root int, payload []byte) ([][]byte, error)
	close() error
}

const noRoot = -1

type member struct {
	rank   int
	size   int
	seq    uint64
	t      transport
	logger *slog.Logger
}

func newMember(rank, size int, t transport, logger *slog.Logger) *member {
	return &member{
		rank:   rank,
		size:   size,
		t:      t,
		logger: logger.With("system", "distributed", "rank", rank),
	}
}

func (m *member) Rank() int           { return m.rank }
func (m *member) WorldSize() int      { return m.size }
func (m *member) IsCoordinator() bool { return m.rank == CoordinatorRank }
func (m *member) Close() error        { return m.t.close() }

// collective runs one round. Rounds are numbered per member, so every process
// must issue the same sequence of collectives.
func (m *member) collective(ctx context.Context, op string, root int, payload []byte) ([][]byte, error) {
	m.seq++
	out, err := m.t.exchange(ctx, m.seq, m.rank, op, root, payload)
	if err != nil {
		return nil, fmt.Errorf("collective %d (%s): %w", m.seq, op, err)
	}
	return out, nil
}

func (m *member) Barrier(ctx context.Context, point SyncPoint) error {
	m.logger.Debug("waiting at barrier", "point", point)
	_, err := m.collective(ctx, "barrier/"+point.String(), noRoot, nil)
	return err
}

func (m *member) AllMean(ctx context.Context, v float64) (float64, error) {
	payload := protowire.AppendFixed64(nil, math.Float64bits(v))
	all, err := m.collective(ctx, "all_mean", noRoot, payload)
	if err != nil {
		return 0, err
	}

	var sum float64
	for rank, p := range all {
		bits, n := protowire.ConsumeFixed64(p)
		if n < 0 {
			return 0, fmt.Errorf("all_mean: rank %d: %w", rank, protowire.ParseError(n))
		}
		sum += math.Float64frombits(bits)
	}
	return sum / float64(len(all)), nil
}

func (m *member) GatherWeights(ctx context.Context, shard *checkpoints.Weights) (*checkpoints.Weights, error) {
	var payload []byte
	if shard != nil {
		payload = shard.Marshal()
	}
	all, err := m.collective(ctx, "gather_weights", CoordinatorRank, payload)
	if err != nil {
		return nil, err
	}
	if !m.IsCoordinator() {
		return nil, nil
	}

	shards := make([]*checkpoints.Weights, len(all))
	for rank, p := range all {
		var w checkpoints.Weights
		if err := w.Unmarshal(p); err != nil {
			return nil, fmt.Errorf("gather_weights: rank %d: %w", rank, err)
		}
		shards[rank] = &w
	}
	return checkpoints.Merge(shards...)
}
