package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

func newTestStore() (*Store, *eventlog.Log) {
	events := eventlog.New()
	return New(events), events
}

func TestWriteCreatesFreshArtifact(t *testing.T) {
	s, events := newTestStore()

	res, err := s.Write("art1", WriteFields{Type: "data", Content: []byte("hello")}, "alice", false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.Created {
		t.Fatal("expected fresh creation")
	}
	if res.Artifact.CreatedBy != "alice" {
		t.Fatalf("expected created_by alice, got %s", res.Artifact.CreatedBy)
	}
	if res.Artifact.State["writer"] != "alice" {
		t.Fatalf("expected auto-populated writer, got %v", res.Artifact.State["writer"])
	}
	if events.Len() != 1 || events.Replay(0)[0].Type != eventlog.ArtifactCreated {
		t.Fatalf("expected one artifact_created event, got %+v", events.Replay(0))
	}
}

func TestWriteRejectsTypeChange(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Write("art1", WriteFields{Type: "data"}, "alice", false); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	_, err := s.Write("art1", WriteFields{Type: "contract"}, "alice", false)
	if code, ok := kerrors.CodeOf(err); !ok || code != kerrors.TypeImmutable {
		t.Fatalf("expected type_immutable, got %v", err)
	}
}

func TestWriteRejectsReservedPrefixAfterGenesisClosed(t *testing.T) {
	s, _ := newTestStore()
	s.CloseGenesis()
	_, err := s.Write("genesis_mint", WriteFields{Type: "data"}, "alice", false)
	if code, ok := kerrors.CodeOf(err); !ok || code != kerrors.ReservedPrefix {
		t.Fatalf("expected reserved_prefix, got %v", err)
	}
}

func TestBootstrapBypassAllowsGenesisPrefix(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Write("genesis_mint", WriteFields{Type: "mint"}, "genesis", true); err != nil {
		t.Fatalf("bootstrap write: %v", err)
	}
	s.CloseGenesis()
	if _, ok := s.Get("genesis_mint"); !ok {
		t.Fatal("expected genesis_mint to persist")
	}
}

func TestEditRejectsMissingArtifact(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Edit("missing", EditPatch{}, "alice")
	if code, ok := kerrors.CodeOf(err); !ok || code != kerrors.NotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestDeleteDoesNotCascade(t *testing.T) {
	s, _ := newTestStore()
	contractID := "contract1"
	if _, err := s.Write("contract1", WriteFields{Type: "contract"}, "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write("art1", WriteFields{Type: "data", AccessContractID: &contractID}, "alice", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("contract1", "alice"); err != nil {
		t.Fatal(err)
	}
	art, ok := s.Get("art1")
	if !ok {
		t.Fatal("expected art1 to remain")
	}
	if art.AccessContractID == nil || *art.AccessContractID != "contract1" {
		t.Fatal("expected dangling reference to remain intact")
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Write("art1", WriteFields{Type: "data", State: map[string]any{"k": "v"}}, "alice", false); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get("art1")
	a.State["k"] = "mutated"

	b, _ := s.Get("art1")
	if b.State["k"] != "v" {
		t.Fatalf("expected store-internal state unaffected by caller mutation, got %v", b.State["k"])
	}
}

func TestConcurrentWritesToDifferentIDsDoNotRace(t *testing.T) {
	s, _ := newTestStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("art%d", i)
			_, _ = s.Write(id, WriteFields{Type: "data", Fields: map[string]any{"i": i}}, "alice", false)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 50; i++ {
		if _, ok := s.Get(fmt.Sprintf("art%d", i)); !ok {
			t.Fatalf("expected art%d to exist after concurrent writes", i)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Write("art1", WriteFields{Type: "data", Content: []byte("x")}, "alice", false); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()

	if _, err := s.Write("art2", WriteFields{Type: "data"}, "bob", false); err != nil {
		t.Fatal(err)
	}
	s.Restore(snap)

	if _, ok := s.Get("art2"); ok {
		t.Fatal("expected art2 to be gone after restore")
	}
	if _, ok := s.Get("art1"); !ok {
		t.Fatal("expected art1 to survive restore")
	}
}

func TestNewIDGeneratesUniqueIDs(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty generated ids")
	}
	if a == b {
		t.Fatal("expected distinct generated ids")
	}
}
