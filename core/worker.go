package core

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"lookout/metrics"
	"lookout/util/goroutine"

	"go.uber.org/zap"
)

// Errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// stopTimeout bounds how long Stop waits for running tasks.
const stopTimeout = 30 * time.Second

// PartitionTask is a unit of work routed to a key partition.
type PartitionTask struct {
	// Run executes the task. It is called at most once.
	Run func()
	// Abandon is called instead of Run when the pool stops before the task
	// started. It may be nil.
	Abandon func(err error)
}

// PartitionedPool runs tasks on a fixed set of single-goroutine partitions.
// Tasks submitted with the same key always land on the same partition and
// run in submission order; tasks with different keys may run concurrently.
type PartitionedPool struct {
	name       string
	partitions []chan PartitionTask
	queueSize  int
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	running bool
	mu      sync.RWMutex
}

// NewPartitionedPool creates a pool with the given number of partitions, each
// with its own bounded queue. Cancelling parentCtx has the same effect as Stop
// on task submission; call Stop to drain.
func NewPartitionedPool(parentCtx context.Context, partitions, queueSize int, name string, logger *zap.SugaredLogger) *PartitionedPool {
	if partitions < 1 {
		partitions = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if name == "" {
		name = "default"
	}
	ctx, cancel := context.WithCancel(parentCtx)
	queues := make([]chan PartitionTask, partitions)
	for i := range queues {
		queues[i] = make(chan PartitionTask, queueSize)
	}
	return &PartitionedPool{
		name:       name,
		partitions: queues,
		queueSize:  queueSize,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
}

// Start launches one goroutine per partition.
func (p *PartitionedPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	select {
	case <-p.closed:
		return ErrWorkerPoolNotRunning
	default:
	}

	p.running = true
	p.logger.Infow("Starting partitioned worker pool",
		"pool", p.name,
		"partitions", len(p.partitions),
		"queue_size", p.queueSize)

	for i := range p.partitions {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Partition returns the partition index for key.
func (p *PartitionedPool) Partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.partitions)))
}

// Submit queues task on the partition owning key, blocking while that
// partition's queue is full. It fails when ctx is done or the pool stops.
func (p *PartitionedPool) Submit(ctx context.Context, key string, task PartitionTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrWorkerPoolNotRunning
	}

	idx := p.Partition(key)
	select {
	case p.partitions[idx] <- task:
		metrics.PartitionQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(p.partitions[idx])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrShuttingDown
	}
}

// TrySubmit queues task without blocking.
func (p *PartitionedPool) TrySubmit(key string, task PartitionTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrWorkerPoolNotRunning
	}

	idx := p.Partition(key)
	select {
	case p.partitions[idx] <- task:
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// Stop stops accepting tasks, lets running tasks finish and abandons queued
// tasks that have not started. It is safe to call more than once.
func (p *PartitionedPool) Stop() {
	// Cancel first so submitters blocked on a full queue release the read lock.
	p.cancel()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.closed)
	p.mu.Unlock()

	p.logger.Infow("Stopping partitioned worker pool", "pool", p.name)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Partitioned worker pool stopped", "pool", p.name)
	case <-time.After(stopTimeout):
		p.logger.Errorw("Partitioned worker pool shutdown timed out - goroutines leaked",
			"pool", p.name,
			"timeout_seconds", int(stopTimeout.Seconds()))
	}
}

// Stats returns a snapshot of queue occupancy.
func (p *PartitionedPool) Stats() PartitionedPoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PartitionedPoolStats{
		Name:       p.name,
		Partitions: len(p.partitions),
		QueueSize:  p.queueSize,
		Running:    p.running,
	}
	for _, q := range p.partitions {
		stats.QueuedTasks += len(q)
	}
	return stats
}

// PartitionedPoolStats contains statistics about the pool.
type PartitionedPoolStats struct {
	Name        string `json:"name"`
	Partitions  int    `json:"partitions"`
	QueueSize   int    `json:"queue_size"`
	Running     bool   `json:"running"`
	QueuedTasks int    `json:"queued_tasks"`
}

func (p *PartitionedPool) worker(idx int) {
	defer p.wg.Done()
	defer goroutine.Recover("partition-worker", p.logger)

	queue := p.partitions[idx]
	label := strconv.Itoa(idx)
	p.logger.Debugw("Partition worker started", "pool", p.name, "partition", idx)

	for {
		// Check closed first so queued tasks are abandoned rather than started after Stop.
		select {
		case <-p.closed:
			p.abandonQueued(idx, queue)
			return
		default:
		}

		select {
		case <-p.closed:
			p.abandonQueued(idx, queue)
			return
		case task := <-queue:
			metrics.PartitionQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			p.run(task)
		}
	}
}

func (p *PartitionedPool) run(task PartitionTask) {
	defer goroutine.Recover("partition-task", p.logger)
	if task.Run == nil {
		return
	}
	task.Run()
	metrics.PartitionTasksProcessed.Inc()
}

func (p *PartitionedPool) abandonQueued(idx int, queue chan PartitionTask) {
	abandoned := 0
	for {
		select {
		case task := <-queue:
			abandoned++
			metrics.PartitionTasksAbandoned.Inc()
			if task.Abandon != nil {
				func() {
					defer goroutine.Recover("partition-abandon", p.logger)
					task.Abandon(ErrShuttingDown)
				}()
			}
		default:
			if abandoned > 0 {
				p.logger.Infow("Abandoned queued tasks at shutdown",
					"pool", p.name,
					"partition", idx,
					"count", abandoned)
			}
			return
		}
	}
}
