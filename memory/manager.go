// Package memory pools the scratch buffers used by the training engine and
// reclaims memory at fixed points of the training loop.
package memory

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool holds reusable float32 buffers of one fixed capacity.
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed element count for this pool
	allocated  int            // Buffers handed out and not yet dropped
	mutex      sync.RWMutex   // Protects allocated counter
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one.
func (bp *BufferPool) Get() ([]float32, error) {
	select {
	case buffer := <-bp.buffers:
		return buffer, nil
	default:
		bp.mutex.Lock()
		canAllocate := bp.allocated < bp.maxSize
		if canAllocate {
			bp.allocated++
		}
		bp.mutex.Unlock()

		if !canAllocate {
			return nil, fmt.Errorf("buffer pool at capacity (%d)", bp.maxSize)
		}
		return make([]float32, bp.bufferSize), nil
	}
}

// Return puts a buffer back into the pool.
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	buffer = buffer[:bp.bufferSize]
	clear(buffer)

	select {
	case bp.buffers <- buffer:
	default:
		bp.drop(1)
	}
}

// Drain drops every idle buffer and returns how many were dropped.
func (bp *BufferPool) Drain() int {
	n := 0
	for {
		select {
		case <-bp.buffers:
			n++
		default:
			bp.drop(n)
			return n
		}
	}
}

func (bp *BufferPool) drop(n int) {
	bp.mutex.Lock()
	bp.allocated -= n
	bp.mutex.Unlock()
}

// Stats returns pool statistics.
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// Manager hands out buffers from size-tiered pools.
type Manager struct {
	pools      map[int]*BufferPool // Pools by element count
	poolsMutex sync.RWMutex        // Protects pools map

	poolSizes []int
}

// Default pool tiers in elements: 1K, 4K, 16K, 64K, 256K, 1M, 4M, 16M.
var defaultPoolSizes = []int{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24,
}

// NewManager creates a new memory manager.
func NewManager() *Manager {
	return &Manager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a zeroed buffer of exactly size elements, backed by a
// pooled allocation of the smallest tier that fits.
func (mm *Manager) GetBuffer(size int) ([]float32, error) {
	pool := mm.getOrCreatePool(mm.findPoolSize(size))
	buffer, err := pool.Get()
	if err != nil {
		return nil, err
	}
	return buffer[:size], nil
}

// ReturnBuffer returns a buffer obtained from GetBuffer.
func (mm *Manager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(buffer)]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer)
	}
}

// Release drains every pool and returns the number of buffers dropped.
func (mm *Manager) Release() int {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	n := 0
	for _, pool := range mm.pools {
		n += pool.Drain()
	}
	return n
}

// findPoolSize finds the smallest tier that can accommodate the request.
func (mm *Manager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	return size
}

func (mm *Manager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool.
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 1<<12:
		return 100
	case bufferSize <= 1<<16:
		return 50
	case bufferSize <= 1<<20:
		return 20
	case bufferSize <= 1<<22:
		return 10
	default:
		return 5
	}
}

// Stats returns one line per pool, ordered by tier.
func (mm *Manager) Stats() []string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	sizes := make([]int, 0, len(mm.pools))
	for size := range mm.pools {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	stats := make([]string, 0, len(sizes))
	for _, size := range sizes {
		available, allocated, maxSize := mm.pools[size].Stats()
		stats = append(stats, fmt.Sprintf("size=%d available=%d, allocated=%d, max=%d",
			size, available, allocated, maxSize))
	}
	return stats
}
