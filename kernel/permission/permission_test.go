package permission

import (
	"context"
	"testing"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kconfig"
	"github.com/r3e-network/agentsubstrate/kernel/klog"
)

type fakeStore struct {
	artifacts map[string]Artifact
}

func newFakeStore() *fakeStore { return &fakeStore{artifacts: map[string]Artifact{}} }

func (f *fakeStore) Get(id string) (Artifact, bool) {
	a, ok := f.artifacts[id]
	return a, ok
}

func (f *fakeStore) put(a Artifact) { f.artifacts[a.ID] = a }

func strptr(s string) *string { return &s }

func testCfg() kconfig.ContractsConfig {
	return kconfig.ContractsConfig{
		DefaultWhenNull:       PolicyCreatorOnly,
		DefaultOnMissing:      "genesis_freeware_contract",
		MaxPermissionDepth:    10,
		SandboxTimeoutSeconds: 1,
	}
}

func newEngine(store *fakeStore) (*Engine, *eventlog.Log) {
	events := eventlog.New()
	e := New(store, nil, events, klog.Discard(), testCfg())
	return e, events
}

func TestFreshArtifactWriteAlwaysAllowed(t *testing.T) {
	store := newFakeStore()
	e, _ := newEngine(store)

	d, err := e.CheckAccess(context.Background(), "alice", "write", "art1", "", nil, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected fresh write to be allowed, got %+v", d)
	}
}

func TestDefaultPolicyAppliesWhenContractIsNull(t *testing.T) {
	store := newFakeStore()
	store.put(Artifact{ID: "art1", CreatedBy: "alice", State: map[string]any{}})
	e, _ := newEngine(store)

	allowed, err := e.CheckAccess(context.Background(), "alice", "read", "art1", "", nil, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed.Allowed {
		t.Fatalf("expected creator to be allowed under default creator_only policy, got %+v", allowed)
	}

	denied, err := e.CheckAccess(context.Background(), "bob", "read", "art1", "", nil, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if denied.Allowed {
		t.Fatalf("expected non-creator to be denied under default creator_only policy, got %+v", denied)
	}
}

func TestFreewareContractAllowsPublicRead(t *testing.T) {
	store := newFakeStore()
	store.put(Artifact{ID: "contract1", CreatedBy: "alice", Fields: map[string]any{"native": PolicyFreeware}})
	store.put(Artifact{ID: "art1", CreatedBy: "alice", AccessContractID: strptr("contract1"), State: map[string]any{}})
	e, _ := newEngine(store)

	d, err := e.CheckAccess(context.Background(), "bob", "read", "art1", "", nil, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected freeware to allow public read, got %+v", d)
	}

	d2, err := e.CheckAccess(context.Background(), "bob", "write", "art1", "", nil, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if d2.Allowed {
		t.Fatalf("expected freeware to deny non-creator write, got %+v", d2)
	}
}

func TestDanglingContractFallsBackAndEmitsEvent(t *testing.T) {
	store := newFakeStore()
	store.put(Artifact{ID: "art1", CreatedBy: "alice", AccessContractID: strptr("nonexistent"), State: map[string]any{}})
	store.put(Artifact{ID: "genesis_freeware_contract", CreatedBy: "genesis", Fields: map[string]any{"native": PolicyFreeware}})
	e, events := newEngine(store)

	d, err := e.CheckAccess(context.Background(), "bob", "read", "art1", "", nil, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected dangling-contract fallback to a public freeware contract, got %+v", d)
	}

	found := false
	for _, ev := range events.Replay(0) {
		if ev.Type == eventlog.DanglingContractFallback {
			found = true
		}
	}
	if !found {
		t.Fatal("expected dangling_contract_fallback event to be emitted")
	}
}

func TestScriptedContractEvaluatesAndReceivesImmediateCaller(t *testing.T) {
	script := `
function checkPermission(ctx) {
	return {allowed: ctx.caller === "alice", reason: "alice-only script", cost: 0, recipient: "", resource_payer: "billing_principal"};
}
`
	store := newFakeStore()
	store.put(Artifact{ID: "contract1", CreatedBy: "alice", Content: []byte(script)})
	store.put(Artifact{ID: "art1", CreatedBy: "alice", AccessContractID: strptr("contract1"), State: map[string]any{}})
	e, _ := newEngine(store)

	allowed, err := e.CheckAccess(context.Background(), "alice", "read", "art1", "", nil, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed.Allowed {
		t.Fatalf("expected script to allow alice, got %+v", allowed)
	}

	denied, err := e.CheckAccess(context.Background(), "bob", "read", "art1", "", nil, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if denied.Allowed {
		t.Fatalf("expected script to deny bob, got %+v", denied)
	}
}

// TestNestedInvokeReceivesDelegatingArtifactAsCaller checks the
// immediate-caller model: when a contract queries another artifact via
// invoke(), the nested check's caller is the artifact whose contract
// is currently evaluating, not the original top-level caller.
func TestNestedInvokeReceivesDelegatingArtifactAsCaller(t *testing.T) {
	bScript := `
function checkPermission(ctx) {
	var res = invoke("c", "probe", {});
	return {allowed: res.allowed, reason: "delegated to c", cost: 0, recipient: "", resource_payer: "billing_principal"};
}
`
	cScript := `
function checkPermission(ctx) {
	return {allowed: ctx.caller === "b", reason: "c sees caller=" + ctx.caller, cost: 0, recipient: "", resource_payer: "billing_principal"};
}
`
	store := newFakeStore()
	store.put(Artifact{ID: "bContract", CreatedBy: "alice", Content: []byte(bScript)})
	store.put(Artifact{ID: "b", CreatedBy: "alice", AccessContractID: strptr("bContract"), State: map[string]any{}})
	store.put(Artifact{ID: "cContract", CreatedBy: "alice", Content: []byte(cScript)})
	store.put(Artifact{ID: "c", CreatedBy: "alice", AccessContractID: strptr("cContract"), State: map[string]any{}})
	e, _ := newEngine(store)

	d, err := e.CheckAccess(context.Background(), "alice", "invoke", "b", "call", nil, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected b's contract to see c allow it via caller=b, got %+v", d)
	}
}

func TestDepthExceededIsRejected(t *testing.T) {
	store := newFakeStore()
	store.put(Artifact{ID: "art1", CreatedBy: "alice", State: map[string]any{}})
	e, _ := newEngine(store)
	e.maxDepth = 2

	_, err := e.CheckAccess(context.Background(), "alice", "read", "art1", "", nil, "alice", 5)
	if err == nil {
		t.Fatal("expected depth_exceeded error")
	}
}

func TestReadOnMissingArtifactIsNotFound(t *testing.T) {
	store := newFakeStore()
	e, _ := newEngine(store)

	_, err := e.CheckAccess(context.Background(), "alice", "read", "missing", "", nil, "alice", 0)
	if err == nil {
		t.Fatal("expected not_found error reading a nonexistent artifact")
	}
}
