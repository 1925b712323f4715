// Package scheduler runs one cooperative goroutine per autonomous
// principal. It depends only on the narrow Executor/ResourceGate
// interfaces below rather than on *kernel.Kernel directly, so kernel
// can wire a *kernel.Kernel in through a small adapter instead of this
// package importing kernel.
//
// The state machine and graceful-shutdown shape follow the
// stop-channel/done-channel pattern used by services/accountpool and
// services/mixer: a stop channel closed exactly once, a done channel
// the caller's Stop blocks on, and one state field guarded by atomic
// access.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel/collab"
	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/klog"
)

// State is a worker's lifecycle stage.
type State int32

const (
	Starting State = iota
	Running
	Sleeping
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Executor runs one decided Action against the kernel's primitives.
// kernel satisfies it with an adapter around *kernel.Kernel.
type Executor interface {
	Execute(ctx context.Context, principal string, action collab.Action) error
}

// ResourceGate reports a principal's current balance of a resource,
// used to gate iteration on a resource-based wake condition: an
// empty-handed agent sleeps rather than spinning.
type ResourceGate interface {
	Balance(principal, resource string) float64
}

// Worker drives one principal's autonomous loop.
type Worker struct {
	principal string
	decision  collab.DecisionEngine
	executor  Executor
	gate      ResourceGate
	events    *eventlog.Log
	log       *klog.Logger
	cfg       kconfig.AgentLoopConfig
	clock     func() time.Time

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}
	pauseCh chan struct{}
	resume  chan struct{}
	stopOne sync.Once
	iter    atomic.Int64
}

// New builds a Worker for principal. decision and executor are
// required; gate/events/log may be nil (a nil gate skips resource
// gating, useful in tests).
func New(principal string, decision collab.DecisionEngine, executor Executor, gate ResourceGate, events *eventlog.Log, log *klog.Logger, cfg kconfig.AgentLoopConfig) *Worker {
	w := &Worker{
		principal: principal,
		decision:  decision,
		executor:  executor,
		gate:      gate,
		events:    events,
		log:       log,
		cfg:       cfg,
		clock:     time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		pauseCh:   make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
	}
	w.state.Store(int32(Starting))
	return w
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	if w.events != nil {
		w.events.Append(eventlog.AgentStateChange, w.principal, map[string]any{"state": s.String()})
	}
}

// Start launches the worker's goroutine. Safe to call once per Worker.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	w.setState(Running)

	backoff := w.cfg.MinLoopDelay()
	consecutiveErrors := 0

	for {
		select {
		case <-w.stopCh:
			w.setState(Stopping)
			w.setState(Stopped)
			return
		case <-ctx.Done():
			w.setState(Stopping)
			w.setState(Stopped)
			return
		case <-w.pauseCh:
			w.setState(Paused)
			select {
			case <-w.resume:
				w.setState(Running)
			case <-w.stopCh:
				w.setState(Stopping)
				w.setState(Stopped)
				return
			case <-ctx.Done():
				w.setState(Stopping)
				w.setState(Stopped)
				return
			}
			continue
		default:
		}

		if blocked := w.blockedResource(); blocked != "" {
			w.setState(Sleeping)
			if !w.sleep(ctx, w.cfg.ResourceCheckInterval()) {
				return
			}
			w.setState(Running)
			continue
		}

		err := w.iterate(ctx)
		w.iter.Add(1)

		if err != nil {
			consecutiveErrors++
			if w.log != nil {
				w.log.With(map[string]any{"principal": w.principal, "error": err.Error(), "consecutive_errors": consecutiveErrors}).Warn("agent loop iteration failed")
			}
			if consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
				w.setState(Stopping)
				w.setState(Stopped)
				return
			}
			backoff = nextBackoff(backoff, w.cfg.MaxLoopDelay())
		} else {
			consecutiveErrors = 0
			backoff = w.cfg.MinLoopDelay()
		}

		w.setState(Sleeping)
		if !w.sleep(ctx, backoff) {
			return
		}
		w.setState(Running)
	}
}

// blockedResource returns the first configured resource the principal
// currently has none of, or "" if none are blocking.
func (w *Worker) blockedResource() string {
	if w.gate == nil {
		return ""
	}
	for _, r := range w.cfg.ResourcesToCheck {
		if w.gate.Balance(w.principal, r) <= 0 {
			return r
		}
	}
	return ""
}

func (w *Worker) iterate(ctx context.Context) error {
	obs := collab.Observation{
		Principal: w.principal,
		Sequence:  w.currentSequence(),
		Iteration: int(w.iter.Load()),
	}
	action, err := w.decision.Decide(ctx, obs)
	if err != nil {
		return err
	}
	if action.Skip {
		return nil
	}
	return w.executor.Execute(ctx, w.principal, action)
}

func (w *Worker) currentSequence() uint64 {
	if w.events == nil {
		return 0
	}
	return w.events.CurrentSequence()
}

// sleep waits for d, or returns false early if the worker was asked to
// stop or the context was cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		w.setState(Stopping)
		w.setState(Stopped)
		return false
	case <-ctx.Done():
		w.setState(Stopping)
		w.setState(Stopped)
		return false
	}
}

// nextBackoff doubles d with jitter, capped at max.
func nextBackoff(d, max time.Duration) time.Duration {
	next := d * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next)/4 + 1))
	return next - jitter
}

// Pause asks the worker to stop iterating until Resume is called.
func (w *Worker) Pause() {
	select {
	case w.pauseCh <- struct{}{}:
	default:
	}
}

// Resume wakes a paused worker.
func (w *Worker) Resume() {
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Stop signals the worker to finish its current iteration and exit,
// and blocks until it does or timeout elapses.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.stopOne.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns a channel closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }
