package distributed

import (
	"context"
	"fmt"
	"sync"
)

type round struct {
	op       string
	payloads [][]byte
	arrived  []bool
	count    int
	read     int
	err      error
	done     chan struct{}
}

// rendezvous matches contributions of size ranks per sequence number. It backs
// both the in-process group and the HTTP server.
type rendezvous struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

func newRendezvous(size int) *rendezvous {
	return &rendezvous{size: size, rounds: make(map[uint64]*round)}
}

func (r *rendezvous) exchange(ctx context.Context, seq uint64, rank int, op string, root int, payload []byte) ([][]byte, error) {
	if rank < 0 || rank >= r.size {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, r.size)
	}

	r.mu.Lock()
	rd, ok := r.rounds[seq]
	if !ok {
		rd = &round{
			op:       op,
			payloads: make([][]byte, r.size),
			arrived:  make([]bool, r.size),
			done:     make(chan struct{}),
		}
		r.rounds[seq] = rd
	}
	switch {
	case rd.err != nil:
	case rd.arrived[rank]:
		rd.err = fmt.Errorf("rank %d contributed twice", rank)
		close(rd.done)
	case rd.op != op:
		rd.err = fmt.Errorf("%w: rank %d at %q, others at %q", ErrCollectiveMismatch, rank, op, rd.op)
		close(rd.done)
	default:
		rd.arrived[rank] = true
		rd.payloads[rank] = payload
		rd.count++
		if rd.count == r.size {
			close(rd.done)
		}
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rd.read++
	if rd.read >= r.size {
		delete(r.rounds, seq)
	}
	if rd.err != nil {
		return nil, rd.err
	}
	if root != noRoot && root != rank {
		return nil, nil
	}
	return rd.payloads, nil
}

func (r *rendezvous) close() error {
	return nil
}

// pending returns the number of rounds still held.
func (r *rendezvous) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}
