// Package watchdog drives the permissionless liveness operations of the
// kernel: it finalizes committees whose submission window closed and marks
// instances failed once a stage deadline has passed.
package watchdog

import (
	"sync"
	"time"

	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/logger"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/sortition"
)

const (
	// defaultInterval is the default interval between sweeps.
	defaultInterval = 5 * time.Second
)

// Kernel is the part of the kernel the watchdog drives.
type Kernel interface {
	Instances() uint64
	Instance(id uint64) (lifecycle.Instance, error)
	Round(id uint64) (sortition.Round, bool)
	FinalizeCommittee(id uint64) ([]protocol.Address, error)
	CheckFailureCondition(id uint64) (bool, protocol.FailureReason)
	MarkE3Failed(id uint64) (protocol.FailureReason, error)
}

// Result counts the actions of one sweep.
type Result struct {
	Finalized int // Finalized is the number of committees finalized
	Failed    int // Failed is the number of instances marked failed
}

// Watchdog sweeps open instances periodically.
type Watchdog struct {
	kernel   Kernel
	clock    protocol.Clock
	interval time.Duration

	mu  sync.Mutex
	low uint64 // low is the first instance id that may still be open

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a watchdog. A zero interval uses the default.
func New(kernel Kernel, clock protocol.Clock, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Watchdog{
		kernel:   kernel,
		clock:    clock,
		interval: interval,
		low:      1,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop stops the loop and waits for it to finish.
func (w *Watchdog) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if r := w.Sweep(); r.Finalized > 0 || r.Failed > 0 {
				logger.Info("watchdog sweep", "finalized", r.Finalized, "failed", r.Failed)
			}
		}
	}
}

// Sweep visits every open instance once.
// Instances below the first open id are never revisited.
func (w *Watchdog) Sweep() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result Result

	count := w.kernel.Instances()
	contiguous := true

	for id := w.low; id <= count; id++ {
		inst, err := w.kernel.Instance(id)
		if err != nil {
			logger.Warn("watchdog instance lookup", "e3", id, "error", err)
			contiguous = false
			continue
		}

		if !inst.Stage.Terminal() {
			w.visit(inst, &result)

			if inst, err = w.kernel.Instance(id); err != nil || !inst.Stage.Terminal() {
				contiguous = false
			}
		}

		if contiguous {
			w.low = id + 1
		}
	}

	return result
}

// visit finalizes or fails a single open instance.
func (w *Watchdog) visit(inst lifecycle.Instance, result *Result) {
	if inst.Stage == protocol.StageRequested {
		if r, ok := w.kernel.Round(inst.ID); ok && !r.Finalized && w.clock.Now().After(r.Deadline) {
			if _, err := w.kernel.FinalizeCommittee(inst.ID); err != nil {
				logger.Warn("watchdog finalize committee", "e3", inst.ID, "error", err)
			} else {
				result.Finalized++
			}

			return
		}
	}

	ok, reason := w.kernel.CheckFailureCondition(inst.ID)
	if !ok {
		return
	}

	if _, err := w.kernel.MarkE3Failed(inst.ID); err != nil {
		logger.Warn("watchdog mark failed", "e3", inst.ID, "reason", reason, "error", err)
		return
	}

	result.Failed++
}
