// Package permission is the decision engine: given a (caller, action,
// target, method, args) tuple it resolves the target's access
// contract — native fast path, scripted via kernel/sandbox, the
// configured default when the artifact carries no contract, or the
// configured fallback when the contract reference is dangling — and
// returns a Decision. It never mutates store or ledger state itself;
// the kernel facade applies the returned cost/recipient afterwards,
// mirroring system/core/engine.go's own split between "decide" and
// "act".
package permission

import (
	"context"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
	"github.com/r3e-network/agentsubstrate/kernel/klog"
	"github.com/r3e-network/agentsubstrate/kernel/sandbox"
)

// Contract unifies native and scripted access-control code behind one
// interface, so the engine never needs to know which kind it is
// evaluating.
type Contract interface {
	Check(ctx context.Context, pctx sandbox.Context, ledger sandbox.LedgerView, invoke sandbox.InvokeFunc, timeout time.Duration) (sandbox.Decision, error)
}

// ScriptedContract evaluates a contract's JS source in the sandbox.
type ScriptedContract struct {
	Script     string
	EntryPoint string
}

func (c ScriptedContract) Check(ctx context.Context, pctx sandbox.Context, ledger sandbox.LedgerView, invoke sandbox.InvokeFunc, timeout time.Duration) (sandbox.Decision, error) {
	entry := c.EntryPoint
	if entry == "" {
		entry = "checkPermission"
	}
	return sandbox.Execute(ctx, c.Script, entry, pctx, ledger, invoke, timeout)
}

// ArtifactLookup is the narrow store surface the engine needs: reading
// artifacts by id. kernel bridges kernel/store.Store to this interface
// through a small adapter, which keeps this package from importing
// kernel/store's full API (or kernel itself) and so keeps the
// dependency graph acyclic.
type ArtifactLookup interface {
	Get(id string) (Artifact, bool)
}

// Artifact is the subset of kernel/store.Artifact the engine reads.
// kernel wires store.Store through an adapter that returns this shape.
type Artifact struct {
	ID               string
	CreatedBy        string
	State            map[string]any
	AccessContractID *string
	Content          []byte
	Fields           map[string]any
}

// Engine is the permission decision engine.
type Engine struct {
	store    ArtifactLookup
	ledger   sandbox.LedgerView
	events   *eventlog.Log
	log      *klog.Logger
	cfg      kconfig.ContractsConfig
	native   map[string]Contract
	timeout  time.Duration
	maxDepth int
}

// New builds an Engine whose native policy set is NativeRegistry();
// genesis's fixed contract artifacts reach those policies through
// their "native" field.
func New(store ArtifactLookup, ledger sandbox.LedgerView, events *eventlog.Log, log *klog.Logger, cfg kconfig.ContractsConfig) *Engine {
	return &Engine{
		store:    store,
		ledger:   ledger,
		events:   events,
		log:      log,
		cfg:      cfg,
		native:   NativeRegistry(),
		timeout:  cfg.SandboxTimeout(),
		maxDepth: cfg.MaxPermissionDepth,
	}
}

// CheckAccess resolves target's access contract and evaluates it for
// (caller, action, method, args). depth is the current recursion
// depth; callers start at 0. billingPrincipal is threaded unchanged
// through nested invocations for resource accounting.
func (e *Engine) CheckAccess(ctx context.Context, caller, action, targetID, method string, args map[string]any, billingPrincipal string, depth int) (sandbox.Decision, error) {
	if depth > e.maxDepth {
		return sandbox.Decision{}, kerrors.New(kerrors.DepthExceeded, "permission check recursion exceeded configured depth").
			WithDetail("max_depth", e.maxDepth)
	}

	target, ok := e.store.Get(targetID)
	if !ok {
		// A fresh write has no existing artifact yet, so there is
		// nothing for a contract to govern: the caller becomes the
		// creator by definition and the write always proceeds (spec
		// §4.1 "write" — "absent id creates a fresh artifact").
		if action == "write" {
			return sandbox.Decision{Allowed: true, Reason: "fresh artifact creation", ResourcePayer: "billing_principal"}, nil
		}
		return sandbox.Decision{}, kerrors.NotFoundf("artifact %q not found", targetID)
	}

	contract, usedFallback := e.resolveContract(target)

	pctx := sandbox.Context{
		Caller:           caller,
		Action:           action,
		TargetID:         target.ID,
		TargetState:      target.State,
		CreatedBy:        target.CreatedBy,
		Method:           method,
		Args:             args,
		BillingPrincipal: billingPrincipal,
		Depth:            depth,
	}

	invoke := e.invokeFuncFor(target.ID, billingPrincipal, depth)

	decision, err := contract.Check(ctx, pctx, e.ledger, invoke, e.timeout)
	if err != nil {
		e.emitDecision(caller, action, targetID, false, err.Error())
		return sandbox.Decision{}, err
	}
	if usedFallback {
		decision.Reason = "[dangling contract fallback] " + decision.Reason
	}

	e.emitDecision(caller, action, targetID, decision.Allowed, decision.Reason)
	return decision, nil
}

// resolveContract finds the Contract governing target: no contract
// reference falls back to the configured default policy, a dangling
// reference falls back to the configured on-missing contract (or
// freeware if that's absent too). The bool return reports whether the
// dangling-reference fallback path was taken (purely for decision
// annotation/logging).
func (e *Engine) resolveContract(target Artifact) (Contract, bool) {
	if target.AccessContractID == nil {
		return e.policyContract(e.cfg.DefaultWhenNull), false
	}

	contractArt, ok := e.store.Get(*target.AccessContractID)
	if !ok {
		e.events.Append(eventlog.DanglingContractFallback, target.CreatedBy, map[string]any{
			"target":         target.ID,
			"missing_contract": *target.AccessContractID,
			"fallback":       e.cfg.DefaultOnMissing,
		})
		if fallbackArt, ok := e.store.Get(e.cfg.DefaultOnMissing); ok {
			return e.contractFor(fallbackArt), true
		}
		return e.policyContract(PolicyFreeware), true
	}

	return e.contractFor(contractArt), false
}

func (e *Engine) contractFor(art Artifact) Contract {
	if name, ok := art.Fields["native"].(string); ok {
		if c, ok := e.native[name]; ok {
			return c
		}
	}
	entry, _ := art.Fields["entry_point"].(string)
	return ScriptedContract{Script: string(art.Content), EntryPoint: entry}
}

func (e *Engine) policyContract(name string) Contract {
	if c, ok := e.native[name]; ok {
		return c
	}
	return e.native[PolicyCreatorOnly]
}

// invokeFuncFor builds the recursive query callback handed to a
// contract's sandbox: it lets contract code ask "would I (the
// artifact currently under evaluation) be allowed to invoke some
// other artifact" without executing anything, and without exceeding
// the configured recursion depth.
func (e *Engine) invokeFuncFor(currentTarget, billingPrincipal string, depth int) sandbox.InvokeFunc {
	return func(targetID, method string, args map[string]any) (map[string]any, error) {
		decision, err := e.CheckAccess(context.Background(), currentTarget, "invoke", targetID, method, args, billingPrincipal, depth+1)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"allowed": decision.Allowed,
			"reason":  decision.Reason,
			"cost":    decision.Cost,
		}, nil
	}
}

func (e *Engine) emitDecision(caller, action, targetID string, allowed bool, reason string) {
	if e.events == nil {
		return
	}
	e.events.Append(eventlog.PermissionDecision, caller, map[string]any{
		"action":  action,
		"target":  targetID,
		"allowed": allowed,
		"reason":  reason,
	})
	if e.log != nil {
		e.log.With(map[string]any{
			"caller": caller, "action": action, "target": targetID, "allowed": allowed,
		}).Debug("permission decision")
	}
}
