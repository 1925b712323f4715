package permission

import (
	"context"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel/sandbox"
)

// Native policy names, matching the well-known contracts a deployment
// can reference by name in contracts.default_when_null.
const (
	PolicyFreeware    = "freeware"
	PolicyCreatorOnly = "creator_only"
	PolicyPrivate     = "private"
)

// NativeFunc implements Contract without any sandbox involvement — a
// short-circuit for well-known contracts, required to produce results
// identical to evaluating the equivalent script.
type NativeFunc func(pctx sandbox.Context) sandbox.Decision

func (f NativeFunc) Check(_ context.Context, pctx sandbox.Context, _ sandbox.LedgerView, _ sandbox.InvokeFunc, _ time.Duration) (sandbox.Decision, error) {
	return f(pctx), nil
}

// freeware permits read/invoke for anyone; write/edit/delete only for
// the artifact's creator.
func freeware(pctx sandbox.Context) sandbox.Decision {
	switch pctx.Action {
	case "read", "invoke":
		return sandbox.Decision{Allowed: true, Reason: "freeware: public read/invoke", ResourcePayer: "billing_principal"}
	default:
		if pctx.Caller == pctx.CreatedBy {
			return sandbox.Decision{Allowed: true, Reason: "freeware: creator may modify", ResourcePayer: "billing_principal"}
		}
		return sandbox.Decision{Allowed: false, Reason: "freeware: only the creator may write/edit/delete"}
	}
}

// creatorOnly permits every action only to the artifact's creator; this
// is also the configured contracts.default_when_null default.
func creatorOnly(pctx sandbox.Context) sandbox.Decision {
	if pctx.Caller == pctx.CreatedBy {
		return sandbox.Decision{Allowed: true, Reason: "creator_only: caller is creator", ResourcePayer: "billing_principal"}
	}
	return sandbox.Decision{Allowed: false, Reason: "creator_only: caller is not the creator"}
}

// private is creator_only with no public surface at all: every action
// from anyone other than the creator is denied, including read. It is
// kept as its own policy, distinct from creator_only and currently
// identical in semantics, so future divergence (e.g. allowing the
// creator's delegates) does not require touching callers that
// reference "private" by name.
func private(pctx sandbox.Context) sandbox.Decision {
	if pctx.Caller == pctx.CreatedBy {
		return sandbox.Decision{Allowed: true, Reason: "private: caller is creator", ResourcePayer: "billing_principal"}
	}
	return sandbox.Decision{Allowed: false, Reason: "private: artifact is not publicly accessible"}
}

// NativeRegistry returns the built-in policy name -> Contract mapping.
func NativeRegistry() map[string]Contract {
	return map[string]Contract{
		PolicyFreeware:    NativeFunc(freeware),
		PolicyCreatorOnly: NativeFunc(creatorOnly),
		PolicyPrivate:     NativeFunc(private),
	}
}
