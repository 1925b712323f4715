// Package kernel composes the substrate's subsystems into a single
// facade, the same way system/core/engine.go composes its service's
// subsystems: a constructor that wires the event log first and then
// the subsystems that append to it (rate tracker, store, ledger,
// permission engine), a handful of primitive methods, and lifecycle
// management for autonomous scheduler workers.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel/collab"
	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/genesis"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
	"github.com/r3e-network/agentsubstrate/kernel/klog"
	"github.com/r3e-network/agentsubstrate/kernel/kmetrics"
	"github.com/r3e-network/agentsubstrate/kernel/ledger"
	"github.com/r3e-network/agentsubstrate/kernel/permission"
	"github.com/r3e-network/agentsubstrate/kernel/ratelimit"
	"github.com/r3e-network/agentsubstrate/kernel/sandbox"
	"github.com/r3e-network/agentsubstrate/kernel/scheduler"
	"github.com/r3e-network/agentsubstrate/kernel/store"
)

// CostResource is the currency every contract Decision.Cost/Recipient
// moves (see DESIGN.md for why this kernel fixes the name to "scrip"),
// the same name used as the default entry of
// execution.agent_loop.resources_to_check in kconfig.Default().
const CostResource = ledger.Resource("scrip")

// Kernel is the facade. The zero value is not usable; use New.
type Kernel struct {
	cfg     kconfig.Config
	log     *klog.Logger
	metrics *kmetrics.Metrics

	Events *eventlog.Log
	Store  *store.Store
	Ledger *ledger.Ledger
	Rate   *ratelimit.Tracker
	perm   *permission.Engine

	workersMu sync.Mutex
	workers   map[string]*scheduler.Worker
}

// Option configures New.
type Option func(*buildOpts)

type buildOpts struct {
	log         *klog.Logger
	metrics     *kmetrics.Metrics
	sink        eventlog.Sink
	genesisMint string
	startingBal map[ledger.Resource]float64
}

// WithLogger overrides the default discard-everything-in-tests logger.
func WithLogger(l *klog.Logger) Option {
	return func(o *buildOpts) { o.log = l }
}

// WithMetrics overrides the default metrics bundle.
func WithMetrics(m *kmetrics.Metrics) Option {
	return func(o *buildOpts) { o.metrics = m }
}

// WithEventSink durably mirrors every event (e.g. an eventlog.FileSink).
func WithEventSink(s eventlog.Sink) Option {
	return func(o *buildOpts) { o.sink = s }
}

// WithGenesisMint credits principal with startingBalances during the
// bootstrap phase, before genesis_* ids are sealed.
func WithGenesisMint(principal string, startingBalances map[ledger.Resource]float64) Option {
	return func(o *buildOpts) {
		o.genesisMint = principal
		o.startingBal = startingBalances
	}
}

// New builds a Kernel, seeding genesis artifacts and sealing the
// genesis_* prefix before returning.
func New(cfg kconfig.Config, opts ...Option) (*Kernel, error) {
	built := &buildOpts{log: klog.Discard(), metrics: kmetrics.New()}
	for _, opt := range opts {
		opt(built)
	}

	var evOpts []eventlog.Option
	if built.sink != nil {
		evOpts = append(evOpts, eventlog.WithSink(built.sink))
	}
	events := eventlog.New(evOpts...)

	rate := ratelimit.New()
	for name, rc := range cfg.RateLimiting {
		rate.ConfigureLimit(ratelimit.Resource(name), rc.Capacity, rc.Window())
	}

	st := store.New(events)
	ledg := ledger.New(events)

	perm := permission.New(&storeLookup{st}, &ledgerView{ledg}, events, built.log, cfg.Contracts)

	k := &Kernel{
		cfg:     cfg,
		log:     built.log,
		metrics: built.metrics,
		Events:  events,
		Store:   st,
		Ledger:  ledg,
		Rate:    rate,
		perm:    perm,
		workers: make(map[string]*scheduler.Worker),
	}

	bootstrap := genesis.NewBootstrap(st)
	if err := genesis.Seed(bootstrap, ledg, built.genesisMint, built.startingBal); err != nil {
		return nil, err
	}
	st.CloseGenesis()

	return k, nil
}

// storeLookup adapts *store.Store to permission.ArtifactLookup.
type storeLookup struct{ s *store.Store }

func (a *storeLookup) Get(id string) (permission.Artifact, bool) {
	art, ok := a.s.Get(id)
	if !ok {
		return permission.Artifact{}, false
	}
	return permission.Artifact{
		ID:               art.ID,
		CreatedBy:        art.CreatedBy,
		State:            art.State,
		AccessContractID: art.AccessContractID,
		Content:          art.Content,
		Fields:           art.Fields,
	}, true
}

// ledgerView adapts *ledger.Ledger to sandbox.LedgerView.
type ledgerView struct{ l *ledger.Ledger }

func (a *ledgerView) Balance(principal, resource string) float64 {
	return a.l.Balance(principal, ledger.Resource(resource))
}

// Read fetches targetID after a permission check for the "read" action.
func (k *Kernel) Read(ctx context.Context, caller, targetID string) (store.Artifact, error) {
	dec, err := k.checkAndRecord(ctx, caller, "read", targetID, "", nil)
	if err != nil {
		return store.Artifact{}, err
	}
	if !dec.Allowed {
		return store.Artifact{}, kerrors.PermissionDeniedf("%s may not read %s: %s", caller, targetID, dec.Reason)
	}
	art, ok := k.Store.Get(targetID)
	if !ok {
		return store.Artifact{}, kerrors.NotFoundf("artifact %q not found", targetID)
	}
	k.applyCost(caller, targetID, dec)
	return art, nil
}

// Write creates or overwrites targetID after a permission check (fresh
// ids are always permitted; see permission.Engine.CheckAccess).
func (k *Kernel) Write(ctx context.Context, caller, id string, fields store.WriteFields) (store.Artifact, error) {
	dec, err := k.checkAndRecord(ctx, caller, "write", id, "", nil)
	if err != nil {
		return store.Artifact{}, err
	}
	if !dec.Allowed {
		return store.Artifact{}, kerrors.PermissionDeniedf("%s may not write %s: %s", caller, id, dec.Reason)
	}
	res, err := k.Store.Write(id, fields, caller, false)
	if err != nil {
		return store.Artifact{}, err
	}
	k.applyCost(caller, id, dec)
	return res.Artifact, nil
}

// WriteNew creates a fresh artifact under a generated id, for callers
// with no natural content address of their own.
func (k *Kernel) WriteNew(ctx context.Context, caller string, fields store.WriteFields) (store.Artifact, error) {
	return k.Write(ctx, caller, store.NewID(), fields)
}

// Edit applies patch to id after a permission check for "edit".
func (k *Kernel) Edit(ctx context.Context, caller, id string, patch store.EditPatch) (store.Artifact, error) {
	dec, err := k.checkAndRecord(ctx, caller, "edit", id, "", nil)
	if err != nil {
		return store.Artifact{}, err
	}
	if !dec.Allowed {
		return store.Artifact{}, kerrors.PermissionDeniedf("%s may not edit %s: %s", caller, id, dec.Reason)
	}
	art, err := k.Store.Edit(id, patch, caller)
	if err != nil {
		return store.Artifact{}, err
	}
	k.applyCost(caller, id, dec)
	return art, nil
}

// Delete removes id after a permission check for "delete". Deletion
// never cascades; dangling references are handled by the permission
// engine's fail-open fallback.
func (k *Kernel) Delete(ctx context.Context, caller, id string) error {
	dec, err := k.checkAndRecord(ctx, caller, "delete", id, "", nil)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return kerrors.PermissionDeniedf("%s may not delete %s: %s", caller, id, dec.Reason)
	}
	if err := k.Store.Delete(id, caller); err != nil {
		return err
	}
	k.applyCost(caller, id, dec)
	return nil
}

// Invoke checks whether caller may invoke method on targetID and
// returns the resulting Decision. Actually executing an artifact's
// business logic is a DecisionEngine/collaborator concern; the kernel
// mediates only the access check and its cost/recipient side effects.
func (k *Kernel) Invoke(ctx context.Context, caller, targetID, method string, args map[string]any) (sandbox.Decision, error) {
	dec, err := k.checkAndRecord(ctx, caller, "invoke", targetID, method, args)
	if err != nil {
		return sandbox.Decision{}, err
	}
	if !dec.Allowed {
		return dec, kerrors.PermissionDeniedf("%s may not invoke %s.%s: %s", caller, targetID, method, dec.Reason)
	}
	k.applyCost(caller, targetID, dec)
	return dec, nil
}

func (k *Kernel) checkAndRecord(ctx context.Context, caller, action, targetID, method string, args map[string]any) (sandbox.Decision, error) {
	dec, err := k.perm.CheckAccess(ctx, caller, action, targetID, method, args, caller, 0)
	if k.metrics != nil {
		k.metrics.RecordDecision(action, err == nil && dec.Allowed)
	}
	return dec, err
}

// applyCost moves ledger currency per dec, the "currency payments
// applied after success" half of the cost-asymmetry pattern (the
// other half — renewable resource consumption before the activity
// runs — lives in kernel/ratelimit and is invoked by callers through
// Rate.Consume/WaitForCapacity ahead of calling a primitive). A
// failed debit here is logged, not propagated: the primitive itself
// already succeeded and the kernel has no multi-step rollback or
// distributed transaction machinery.
func (k *Kernel) applyCost(caller, targetID string, dec sandbox.Decision) {
	if dec.Cost <= 0 {
		return
	}
	payer := caller
	if dec.ResourcePayer == "self" {
		payer = targetID
	}
	if err := k.Ledger.Debit(payer, CostResource, dec.Cost); err != nil {
		k.log.With(map[string]any{"payer": payer, "cost": dec.Cost, "error": err.Error()}).Warn("cost debit failed after primitive succeeded")
		return
	}
	if dec.Recipient != "" {
		_ = k.Ledger.Credit(dec.Recipient, CostResource, dec.Cost)
	}
	if k.metrics != nil {
		k.metrics.RecordBalance(payer, string(CostResource), k.Ledger.Balance(payer, CostResource))
	}
}

// StartWorker launches an autonomous loop for principal, driven by
// decision against this Kernel's primitives through the Executor
// adapter below.
func (k *Kernel) StartWorker(ctx context.Context, principal string, decision collab.DecisionEngine, cfg kconfig.AgentLoopConfig) *scheduler.Worker {
	w := scheduler.New(principal, decision, &executorAdapter{k}, &gateAdapter{k.Ledger}, k.Events, k.log, cfg)
	k.workersMu.Lock()
	k.workers[principal] = w
	k.workersMu.Unlock()
	w.Start(ctx)
	return w
}

// StopAll gracefully stops every running worker within timeout each.
func (k *Kernel) StopAll(timeout time.Duration) bool {
	k.workersMu.Lock()
	workers := make([]*scheduler.Worker, 0, len(k.workers))
	for _, w := range k.workers {
		workers = append(workers, w)
	}
	k.workersMu.Unlock()

	ok := true
	for _, w := range workers {
		if !w.Stop(timeout) {
			ok = false
		}
	}
	return ok
}

// executorAdapter lets scheduler.Worker drive Kernel.Invoke/Write
// without the scheduler package importing kernel, keeping the
// dependency graph acyclic.
type executorAdapter struct{ k *Kernel }

func (e *executorAdapter) Execute(ctx context.Context, principal string, action collab.Action) error {
	switch action.Operation {
	case "invoke":
		_, err := e.k.Invoke(ctx, principal, action.TargetID, action.Method, action.Args)
		return err
	case "write":
		_, err := e.k.Write(ctx, principal, action.TargetID, store.WriteFields{Type: "agent_output", State: action.Args})
		return err
	case "edit":
		_, err := e.k.Edit(ctx, principal, action.TargetID, store.EditPatch{State: action.Args})
		return err
	case "read":
		_, err := e.k.Read(ctx, principal, action.TargetID)
		return err
	case "delete":
		return e.k.Delete(ctx, principal, action.TargetID)
	default:
		return nil
	}
}

// gateAdapter lets scheduler.Worker read ledger balances without
// importing kernel/ledger's fuller Resource type.
type gateAdapter struct{ l *ledger.Ledger }

func (g *gateAdapter) Balance(principal, resource string) float64 {
	return g.l.Balance(principal, ledger.Resource(resource))
}

// Snapshot captures store/ledger/rate-limit state for a later Restore.
// Callers must ensure every worker is stopped or paused first.
type Snapshot struct {
	Store     store.Snapshot
	Ledger    ledger.Snapshot
	Rate      ratelimit.Snapshot
	Sequence  uint64
}

func (k *Kernel) Snapshot() Snapshot {
	return Snapshot{
		Store:    k.Store.Snapshot(),
		Ledger:   k.Ledger.Snapshot(),
		Rate:     k.Rate.Snapshot(),
		Sequence: k.Events.CurrentSequence(),
	}
}

func (k *Kernel) Restore(snap Snapshot) {
	k.Store.Restore(snap.Store)
	k.Ledger.Restore(snap.Ledger)
	k.Rate.Restore(snap.Rate)
}
