// Package ledger implements atomic balance movements for depletable and
// allocatable resources. It follows internal/gasbank.Manager's shape
// (reserve/deposit/withdraw under one mutex, a transaction record kept
// per movement) generalized from a single GAS balance to arbitrary
// named resources.
package ledger

import (
	"sync"
	"time"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

// Resource names a ledger-tracked quantity (currency, a budget, a
// quota). The rate tracker owns renewable resources separately.
type Resource string

// TxType enumerates the kinds of ledger movement recorded for audit,
// mirroring gasbank's TxTypeDeposit/TxTypeWithdraw/... constants.
type TxType string

const (
	TxCredit   TxType = "credit"
	TxDebit    TxType = "debit"
	TxTransfer TxType = "transfer"
)

// Transaction is an audit record of one ledger movement.
type Transaction struct {
	Type      TxType
	From      string
	To        string
	Resource  Resource
	Amount    float64
	At        time.Time
}

// Ledger holds per-principal balances for every resource. Every
// operation takes the single ledger mutex: the ledger offers no
// multi-step transactions of its own, only atomic single movements;
// contracts coordinate anything more elaborate.
type Ledger struct {
	events *eventlog.Log
	clock  func() time.Time

	mu       sync.Mutex
	balances map[string]map[Resource]float64
	history  []Transaction
}

// New creates an empty Ledger. Balances are implicitly zero until
// first referenced.
func New(events *eventlog.Log, opts ...Option) *Ledger {
	l := &Ledger{
		events:   events,
		clock:    time.Now,
		balances: make(map[string]map[Resource]float64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock overrides the time source (tests only).
func WithClock(c func() time.Time) Option {
	return func(l *Ledger) { l.clock = c }
}

// Balance returns principal's current balance for resource (0 if never
// referenced).
func (l *Ledger) Balance(principal string, resource Resource) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(principal, resource)
}

func (l *Ledger) balanceLocked(principal string, resource Resource) float64 {
	byResource, ok := l.balances[principal]
	if !ok {
		return 0
	}
	return byResource[resource]
}

func (l *Ledger) setBalanceLocked(principal string, resource Resource, amount float64) {
	byResource, ok := l.balances[principal]
	if !ok {
		byResource = make(map[Resource]float64)
		l.balances[principal] = byResource
	}
	byResource[resource] = amount
}

// Credit adds amount to principal's balance for resource. Amount must
// be non-negative.
func (l *Ledger) Credit(principal string, resource Resource, amount float64) error {
	if amount < 0 {
		return kerrors.InvalidArgumentf("credit amount must be non-negative, got %v", amount)
	}

	l.mu.Lock()
	next := l.balanceLocked(principal, resource) + amount
	l.setBalanceLocked(principal, resource, next)
	l.history = append(l.history, Transaction{Type: TxCredit, To: principal, Resource: resource, Amount: amount, At: l.clock()})
	l.mu.Unlock()

	l.events.Append(eventlog.ResourceAllocated, principal, map[string]any{
		"resource": string(resource), "amount": amount, "direction": "credit",
	})
	return nil
}

// Debit subtracts amount from principal's balance for resource. Fails
// with insufficient_resource, leaving the balance untouched, if the
// result would go negative.
func (l *Ledger) Debit(principal string, resource Resource, amount float64) error {
	if amount < 0 {
		return kerrors.InvalidArgumentf("debit amount must be non-negative, got %v", amount)
	}

	l.mu.Lock()
	current := l.balanceLocked(principal, resource)
	if current-amount < 0 {
		l.mu.Unlock()
		return kerrors.New(kerrors.InsufficientFunds, "insufficient "+string(resource)).
			WithDetail("resource", string(resource)).
			WithDetail("balance", current).
			WithDetail("requested", amount)
	}
	l.setBalanceLocked(principal, resource, current-amount)
	l.history = append(l.history, Transaction{Type: TxDebit, From: principal, Resource: resource, Amount: amount, At: l.clock()})
	l.mu.Unlock()

	l.events.Append(eventlog.ResourceSpent, principal, map[string]any{
		"resource": string(resource), "amount": amount,
	})
	return nil
}

// Transfer atomically moves amount of resource from "from" to "to". On
// insufficient funds neither balance changes and no transfer event is
// emitted.
func (l *Ledger) Transfer(from, to string, resource Resource, amount float64) error {
	if amount < 0 {
		return kerrors.InvalidArgumentf("transfer amount must be non-negative, got %v", amount)
	}
	if from == to {
		return nil
	}

	l.mu.Lock()
	fromBalance := l.balanceLocked(from, resource)
	if fromBalance-amount < 0 {
		l.mu.Unlock()
		return kerrors.New(kerrors.InsufficientFunds, "insufficient "+string(resource)+" for transfer").
			WithDetail("resource", string(resource)).
			WithDetail("balance", fromBalance).
			WithDetail("requested", amount)
	}
	l.setBalanceLocked(from, resource, fromBalance-amount)
	l.setBalanceLocked(to, resource, l.balanceLocked(to, resource)+amount)
	l.history = append(l.history, Transaction{Type: TxTransfer, From: from, To: to, Resource: resource, Amount: amount, At: l.clock()})
	l.mu.Unlock()

	l.events.Append(eventlog.Transfer, from, map[string]any{
		"resource": string(resource), "amount": amount, "to": to,
	})
	return nil
}

// Snapshot is a deep copy of every balance, for the kernel-level
// checkpoint hook.
type Snapshot struct {
	Balances map[string]map[Resource]float64
}

// Snapshot returns the current balances, independent of further
// mutation.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]map[Resource]float64, len(l.balances))
	for principal, byResource := range l.balances {
		cp := make(map[Resource]float64, len(byResource))
		for res, amt := range byResource {
			cp[res] = amt
		}
		out[principal] = cp
	}
	return Snapshot{Balances: out}
}

// Restore replaces the ledger's balances with snap.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]map[Resource]float64, len(snap.Balances))
	for principal, byResource := range snap.Balances {
		cp := make(map[Resource]float64, len(byResource))
		for res, amt := range byResource {
			cp[res] = amt
		}
		l.balances[principal] = cp
	}
}

// ReadOnlyView is the minimal read surface exposed to contract sandbox
// evaluation: a safer default than exposing the full Ledger inside a
// script.
type ReadOnlyView interface {
	Balance(principal string, resource Resource) float64
}

var _ ReadOnlyView = (*Ledger)(nil)
