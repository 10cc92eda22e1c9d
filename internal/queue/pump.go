// Package queue admits queued runs into the executor as concurrency slots
// free up. The durable entries live in the registry's queue store; the pump
// here is the single claimer in this process.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// Starter is the executor-side surface the pump admits runs through.
type Starter interface {
	// StartQueued starts a run that already holds a queue claim. The request
	// carries the run id the entry was enqueued under; starting an id that is
	// already active must be a no-op.
	StartQueued(ctx context.Context, req *core.StartRequest) error

	// ActiveRuns reports how many runs currently occupy concurrency slots.
	ActiveRuns() int
}

// Pump claims queued runs whenever capacity frees up. Kicks collapse into a
// single buffered signal so bursts of completions cost one drain.
type Pump struct {
	store   core.QueueStore
	starter Starter
	safety  config.Safety
	owner   string
	kick    chan struct{}
}

// NewPump builds a pump claiming on behalf of this process.
func NewPump(store core.QueueStore, starter Starter, safety config.Safety) *Pump {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "weft"
	}
	return &Pump{
		store:   store,
		starter: starter,
		safety:  safety,
		owner:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		kick:    make(chan struct{}, 1),
	}
}

// Owner returns the claim owner string used for leases.
func (p *Pump) Owner() string { return p.owner }

// Kick schedules a drain. Safe from any goroutine; duplicate kicks collapse.
func (p *Pump) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains on startup, on kicks, and on a lease-interval ticker that
// recovers entries whose claimer died. It returns when ctx ends.
func (p *Pump) Run(ctx context.Context) {
	interval := p.safety.QueueLease
	if interval <= 0 {
		interval = config.DefaultSafety().QueueLease
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims and starts entries until the queue is empty, capacity is full,
// or the context ends.
func (p *Pump) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.starter.ActiveRuns() >= p.safety.MaxConcurrentRuns {
			return
		}

		entry, err := p.store.ClaimNext(ctx, p.owner, p.safety.QueueLease)
		if err != nil {
			logger.Error(ctx, "Queue claim failed", tag.Error(err))
			return
		}
		if entry == nil {
			return
		}

		var req core.StartRequest
		if err := json.Unmarshal(entry.Payload, &req); err != nil {
			p.failEntry(ctx, entry, fmt.Errorf("decode queue payload: %w", err))
			continue
		}
		req.RunID = entry.RunID

		if err := p.starter.StartQueued(ctx, &req); err != nil {
			p.failEntry(ctx, entry, err)
			continue
		}
		if err := p.store.MarkRunning(ctx, entry.RunID, p.owner, entry.ClaimToken, p.safety.QueueLease); err != nil {
			// The run is already started; the lease sweep resolves the entry.
			logger.Error(ctx, "Queue mark-running failed", tag.Run(entry.RunID), tag.Error(err))
		}
		logger.Info(ctx, "Queued run admitted", tag.Run(entry.RunID), tag.Count(entry.Attempt))
	}
}

func (p *Pump) failEntry(ctx context.Context, entry *core.QueueEntry, err error) {
	logger.Error(ctx, "Queued run failed to start", tag.Run(entry.RunID), tag.Error(err))
	if mErr := p.store.MarkTerminal(ctx, entry.RunID, core.QueueFailed, err.Error()); mErr != nil {
		logger.Error(ctx, "Queue mark-terminal failed", tag.Run(entry.RunID), tag.Error(mErr))
	}
}
