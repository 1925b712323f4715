// Package sandbox runs user-defined contract code inside an isolated
// goja (pure-Go JavaScript) runtime, the way system/tee/script_engine.go
// and services/confidential/confidential.go run scripts: a fresh
// goja.Runtime per execution, globals injected as plain values, a
// timer goroutine that calls vm.Interrupt on timeout instead of
// relying on any OS-level sandboxing, and the returned value exported
// back to a plain Go map.
//
// Contract code gets a read-only ledger view and a callback for
// invoking other artifacts; it never gets direct store access.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

// Context is the minimal tuple passed into a contract evaluation:
// enough for a policy decision, nothing that would let a script infer
// state it has no business seeing.
type Context struct {
	Caller           string
	Action           string
	TargetID         string
	TargetState      map[string]any
	CreatedBy        string
	Method           string
	Args             map[string]any
	BillingPrincipal string
	Depth            int
}

// Decision is what a contract evaluation returns.
type Decision struct {
	Allowed       bool    `json:"allowed"`
	Reason        string  `json:"reason"`
	Cost          float64 `json:"cost"`
	Recipient     string  `json:"recipient"`
	ResourcePayer string  `json:"resource_payer"` // "billing_principal" (default) or "self"
}

// LedgerView is the read-only ledger surface available inside the
// sandbox: scripts get read access only, never Transfer/Credit/Debit
// directly.
type LedgerView interface {
	Balance(principal, resource string) float64
}

// InvokeFunc lets a contract recurse into another artifact's
// permission check. The caller is responsible for depth bookkeeping;
// the function passed here should already be bound to depth+1 and to
// the artifact currently evaluating as the new immediate caller.
type InvokeFunc func(targetID, method string, args map[string]any) (map[string]any, error)

const defaultTimeout = 30 * time.Second

// Execute compiles and runs script, calling entryPoint with the
// permission context, and returns the parsed Decision. Exceeding
// timeout yields sandbox_timeout; a thrown exception yields
// contract_error.
func Execute(ctx context.Context, script, entryPoint string, pctx Context, ledger LedgerView, invoke InvokeFunc, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := injectContext(vm, pctx, ledger, invoke); err != nil {
		return Decision{}, kerrors.Wrap(kerrors.ContractError, "inject sandbox context", err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("sandbox timeout")
	})
	defer timer.Stop()
	defer close(done)

	// Also honor an external deadline/cancellation, the same dual-trigger
	// shape services/confidential/confidential.go uses (ctx deadline or a
	// fixed timeout, whichever fires).
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timer.Reset(d)
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("sandbox cancelled")
		case <-done:
		}
	}()

	if _, err := vm.RunString(script); err != nil {
		if isInterrupt(err) {
			return Decision{}, kerrors.New(kerrors.SandboxTimeout, "contract evaluation timed out")
		}
		return Decision{}, kerrors.Wrap(kerrors.ContractError, "compile/run contract script", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return Decision{}, kerrors.New(kerrors.ContractError, "entry point "+entryPoint+" is not a function")
	}

	result, err := fn(goja.Undefined(), vm.Get("context"))
	if err != nil {
		if isInterrupt(err) {
			return Decision{}, kerrors.New(kerrors.SandboxTimeout, "contract evaluation timed out")
		}
		return Decision{}, kerrors.Wrap(kerrors.ContractError, "call "+entryPoint, err)
	}

	return exportDecision(result)
}

func injectContext(vm *goja.Runtime, pctx Context, ledger LedgerView, invoke InvokeFunc) error {
	contextObj := map[string]any{
		"caller":            pctx.Caller,
		"action":            pctx.Action,
		"targetId":          pctx.TargetID,
		"targetState":       pctx.TargetState,
		"createdBy":         pctx.CreatedBy,
		"method":            pctx.Method,
		"args":              pctx.Args,
		"billingPrincipal":  pctx.BillingPrincipal,
		"depth":             pctx.Depth,
	}
	if err := vm.Set("context", contextObj); err != nil {
		return err
	}

	ledgerObj := vm.NewObject()
	_ = ledgerObj.Set("balance", func(call goja.FunctionCall) goja.Value {
		if ledger == nil || len(call.Arguments) < 2 {
			return vm.ToValue(0)
		}
		principal := call.Arguments[0].String()
		resource := call.Arguments[1].String()
		return vm.ToValue(ledger.Balance(principal, resource))
	})
	if err := vm.Set("ledger", ledgerObj); err != nil {
		return err
	}

	if err := vm.Set("invoke", func(call goja.FunctionCall) goja.Value {
		if invoke == nil || len(call.Arguments) < 2 {
			panic(vm.ToValue("invoke requires (targetId, method[, args])"))
		}
		targetID := call.Arguments[0].String()
		method := call.Arguments[1].String()
		var args map[string]any
		if len(call.Arguments) > 2 {
			if m, ok := call.Arguments[2].Export().(map[string]any); ok {
				args = m
			}
		}
		result, err := invoke(targetID, method, args)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	}); err != nil {
		return err
	}

	return nil
}

func exportDecision(v goja.Value) (Decision, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Decision{}, kerrors.New(kerrors.ContractError, "contract returned no decision")
	}

	exported := v.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return Decision{}, kerrors.Wrap(kerrors.ContractError, "marshal contract decision", err)
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, kerrors.Wrap(kerrors.ContractError, "unmarshal contract decision", err)
	}
	if d.ResourcePayer == "" {
		d.ResourcePayer = "billing_principal"
	}
	return d, nil
}

func isInterrupt(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// Validate checks that script at least compiles, for artifact-write-time
// validation of scripted contracts.
func Validate(script string) error {
	if _, err := goja.Compile("contract.js", script, false); err != nil {
		return fmt.Errorf("%w: %v", kerrors.New(kerrors.InvalidArgument, "invalid contract script"), err)
	}
	return nil
}
