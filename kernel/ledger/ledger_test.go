package ledger

import (
	"testing"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

const scrip Resource = "scrip"

func TestCreditDebitBalance(t *testing.T) {
	l := New(eventlog.New())
	if err := l.Credit("alice", scrip, 10); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance("alice", scrip); got != 10 {
		t.Fatalf("expected balance 10, got %v", got)
	}
	if err := l.Debit("alice", scrip, 4); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance("alice", scrip); got != 6 {
		t.Fatalf("expected balance 6, got %v", got)
	}
}

func TestDebitInsufficientLeavesBalanceUnchanged(t *testing.T) {
	l := New(eventlog.New())
	_ = l.Credit("alice", scrip, 3)

	err := l.Debit("alice", scrip, 10)
	if code, ok := kerrors.CodeOf(err); !ok || code != kerrors.InsufficientFunds {
		t.Fatalf("expected insufficient_resource, got %v", err)
	}
	if got := l.Balance("alice", scrip); got != 3 {
		t.Fatalf("expected balance unchanged at 3, got %v", got)
	}
}

// TestTransferAtomicity checks that an over-limit transfer leaves both
// balances untouched.
func TestTransferAtomicity(t *testing.T) {
	l := New(eventlog.New())
	_ = l.Credit("alice", scrip, 10)

	if err := l.Transfer("alice", "bob", scrip, 7); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance("alice", scrip); got != 3 {
		t.Fatalf("alice balance = %v, want 3", got)
	}
	if got := l.Balance("bob", scrip); got != 7 {
		t.Fatalf("bob balance = %v, want 7", got)
	}

	err := l.Transfer("alice", "bob", scrip, 5)
	if code, ok := kerrors.CodeOf(err); !ok || code != kerrors.InsufficientFunds {
		t.Fatalf("expected insufficient_resource, got %v", err)
	}
	if got := l.Balance("alice", scrip); got != 3 {
		t.Fatalf("alice balance after failed transfer = %v, want 3", got)
	}
	if got := l.Balance("bob", scrip); got != 7 {
		t.Fatalf("bob balance after failed transfer = %v, want 7", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := New(eventlog.New())
	_ = l.Credit("alice", scrip, 100)
	snap := l.Snapshot()

	_ = l.Debit("alice", scrip, 50)
	l.Restore(snap)

	if got := l.Balance("alice", scrip); got != 100 {
		t.Fatalf("expected restored balance 100, got %v", got)
	}
}

func TestNeverNegativeAcrossConcurrentDebits(t *testing.T) {
	l := New(eventlog.New())
	_ = l.Credit("alice", scrip, 100)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			done <- l.Debit("alice", scrip, 10)
		}()
	}
	failures := 0
	for i := 0; i < 20; i++ {
		if <-done != nil {
			failures++
		}
	}
	if failures != 10 {
		t.Fatalf("expected exactly 10 of 20 debits to fail, got %d failures", failures)
	}
	if got := l.Balance("alice", scrip); got != 0 {
		t.Fatalf("expected balance 0, got %v", got)
	}
}
