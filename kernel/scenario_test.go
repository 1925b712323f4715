package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agentsubstrate/kernel/collab"
	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/genesis"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
	"github.com/r3e-network/agentsubstrate/kernel/ledger"
	"github.com/r3e-network/agentsubstrate/kernel/ratelimit"
	"github.com/r3e-network/agentsubstrate/kernel/store"
)

func strp(s string) *string { return &s }

// TestScenarioBootstrapAndFirstWrite checks that a fresh artifact is
// always writable by its creator, and that the default creator_only
// policy governs subsequent reads.
func TestScenarioBootstrapAndFirstWrite(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	_, err = k.Write(ctx, "alice", "art1", store.WriteFields{Type: "note", State: map[string]any{"body": "hi"}})
	require.NoError(t, err)

	_, err = k.Read(ctx, "bob", "art1")
	require.Error(t, err)
	code, ok := kerrors.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, kerrors.PermissionDenied, code)

	art, err := k.Read(ctx, "alice", "art1")
	require.NoError(t, err)
	require.Equal(t, "art1", art.ID)

	var sawDenied, sawAllowed bool
	for _, ev := range k.Events.Replay(0) {
		if ev.Type == eventlog.PermissionDecision {
			if ev.Principal == "bob" && ev.Data["allowed"] == false {
				sawDenied = true
			}
			if ev.Principal == "alice" && ev.Data["allowed"] == true {
				sawAllowed = true
			}
		}
	}
	require.True(t, sawDenied)
	require.True(t, sawAllowed)
}

// TestScenarioTransferAtomicity checks that an over-limit transfer
// leaves both balances untouched.
func TestScenarioTransferAtomicity(t *testing.T) {
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	require.NoError(t, k.Ledger.Credit("alice", "scrip", 100))
	err = k.Ledger.Transfer("alice", "bob", "scrip", 150)
	require.Error(t, err)

	require.Equal(t, 100.0, k.Ledger.Balance("alice", "scrip"))
	require.Equal(t, 0.0, k.Ledger.Balance("bob", "scrip"))
}

// TestScenarioRateLimitBlockThenRelease checks that a depleted bucket
// rejects immediately but WaitForCapacity unblocks once the window
// frees up.
func TestScenarioRateLimitBlockThenRelease(t *testing.T) {
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	k.Rate.ConfigureLimit(ratelimit.Resource("llm_tokens"), 1, 50*time.Millisecond)
	require.NoError(t, k.Rate.Consume("alice", "llm_tokens", 1))
	require.Error(t, k.Rate.Consume("alice", "llm_tokens", 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = k.Rate.WaitForCapacity(ctx, "alice", "llm_tokens", 1, time.Now().Add(500*time.Millisecond))
	require.NoError(t, err)
}

// TestScenarioDanglingContractFailsOpen checks that a reference to a
// missing contract falls back to the configured default (the genesis
// freeware contract this kernel seeds at construction) instead of
// hard-failing the primitive.
func TestScenarioDanglingContractFailsOpen(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	_, err = k.Write(ctx, "alice", "art1", store.WriteFields{
		Type:             "note",
		AccessContractID: strp("nonexistent_contract"),
		State:            map[string]any{},
	})
	require.NoError(t, err)

	_, err = k.Read(ctx, "bob", "art1")
	require.NoError(t, err)

	var sawFallback bool
	for _, ev := range k.Events.Replay(0) {
		if ev.Type == eventlog.DanglingContractFallback {
			sawFallback = true
		}
	}
	require.True(t, sawFallback)
}

// TestScenarioImmediateCallerModel checks that a nested invoke() call
// inside a contract script sees the delegating artifact as caller, not
// the original top-level caller.
func TestScenarioImmediateCallerModel(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	bScript := `
function checkPermission(ctx) {
	var res = invoke("c", "probe", {});
	return {allowed: res.allowed, reason: "delegated", cost: 0, recipient: "", resource_payer: "billing_principal"};
}
`
	cScript := `
function checkPermission(ctx) {
	return {allowed: ctx.caller === "b", reason: "caller=" + ctx.caller, cost: 0, recipient: "", resource_payer: "billing_principal"};
}
`
	_, err = k.Write(ctx, "alice", "bContract", store.WriteFields{Type: "contract", Content: []byte(bScript)})
	require.NoError(t, err)
	_, err = k.Write(ctx, "alice", "b", store.WriteFields{Type: "agent", AccessContractID: strp("bContract"), State: map[string]any{}})
	require.NoError(t, err)
	_, err = k.Write(ctx, "alice", "cContract", store.WriteFields{Type: "contract", Content: []byte(cScript)})
	require.NoError(t, err)
	_, err = k.Write(ctx, "alice", "c", store.WriteFields{Type: "agent", AccessContractID: strp("cContract"), State: map[string]any{}})
	require.NoError(t, err)

	dec, err := k.Invoke(ctx, "alice", "b", "call", nil)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

// TestScenarioGracefulShutdown checks that several autonomous workers
// stop cleanly within their timeout.
func TestScenarioGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	cfg := kconfig.AgentLoopConfig{
		MinLoopDelaySeconds:       0.01,
		MaxLoopDelaySeconds:       0.05,
		ResourceCheckIntervalSecs: 0.01,
		MaxConsecutiveErrors:      5,
	}
	for _, p := range []string{"alice", "bob", "carol"} {
		k.StartWorker(ctx, p, collab.NoopDecisionEngine{}, cfg)
	}

	time.Sleep(30 * time.Millisecond)
	require.True(t, k.StopAll(time.Second))
}

// TestWriteNewAssignsGeneratedID exercises the generated-id convenience
// path: the artifact returned carries a fresh, non-reserved id and is
// immediately readable by its creator.
func TestWriteNewAssignsGeneratedID(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default())
	require.NoError(t, err)

	art, err := k.WriteNew(ctx, "alice", store.WriteFields{Type: "note", State: map[string]any{"body": "hi"}})
	require.NoError(t, err)
	require.NotEmpty(t, art.ID)

	got, err := k.Read(ctx, "alice", art.ID)
	require.NoError(t, err)
	require.Equal(t, art.ID, got.ID)

	other, err := k.WriteNew(ctx, "alice", store.WriteFields{Type: "note"})
	require.NoError(t, err)
	require.NotEqual(t, art.ID, other.ID)
}

// TestGenesisBootstrapSealsReservedPrefix exercises the facade
// directly: genesis_* artifacts exist after New returns, and the
// prefix is no longer writable by ordinary callers.
func TestGenesisBootstrapSealsReservedPrefix(t *testing.T) {
	ctx := context.Background()
	k, err := New(kconfig.Default(), WithGenesisMint("alice", map[ledger.Resource]float64{"scrip": 50}))
	require.NoError(t, err)

	require.True(t, k.Store.Exists(genesis.FreewareContractID))
	require.Equal(t, 50.0, k.Ledger.Balance("alice", "scrip"))

	_, err = k.Write(ctx, "mallory", "genesis_forged", store.WriteFields{Type: "x"})
	require.Error(t, err)
	code, ok := kerrors.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, kerrors.ReservedPrefix, code)
}
