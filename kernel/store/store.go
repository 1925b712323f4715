// Package store implements a content-addressed artifact store: the
// single authoritative index of artifacts, reached exclusively through
// get/write/edit/delete. It follows the same "exclusive writer,
// structural lock only for create/delete, per-entry lock for
// everything else" shape as system/core/registry.go: a coarse
// map-structure lock plus one fine-grained lock per entry so readers
// never block on unrelated writers.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/agentsubstrate/kernel/eventlog"
	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

// NewID generates a fresh artifact id for callers that don't want to
// pick their own content address, the same way internal/gasbank and
// services/accountpool mint uuid-based ids for records with no natural
// caller-supplied key.
func NewID() string {
	return uuid.NewString()
}

// GenesisPrefix is the reserved id prefix that only the bootstrap phase
// may assign.
const GenesisPrefix = "genesis_"

// Artifact is the universal object this store indexes.
type Artifact struct {
	ID                string
	Type              string
	Content           []byte
	Fields            map[string]any
	CreatedBy         string
	CreatedAt         time.Time
	AccessContractID  *string
	HasStanding       bool
	CanExecute        bool
	State             map[string]any
	Interface         []string
}

// Clone returns a deep-enough copy so that callers can never observe or
// mutate the store's internal state directly (readers "observe either
// the pre- or the post-state", never a live, mutable alias).
func (a Artifact) Clone() Artifact {
	cp := a
	if a.Content != nil {
		cp.Content = append([]byte(nil), a.Content...)
	}
	if a.Fields != nil {
		cp.Fields = cloneMap(a.Fields)
	}
	if a.State != nil {
		cp.State = cloneMap(a.State)
	}
	if a.Interface != nil {
		cp.Interface = append([]string(nil), a.Interface...)
	}
	if a.AccessContractID != nil {
		id := *a.AccessContractID
		cp.AccessContractID = &id
	}
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WriteFields is the caller-supplied subset of Artifact that write()
// accepts; the store fills in CreatedBy/CreatedAt itself.
type WriteFields struct {
	Type             string
	Content          []byte
	Fields           map[string]any
	AccessContractID *string
	HasStanding      bool
	CanExecute       bool
	State            map[string]any
	Interface        []string
}

// EditPatch carries a surgical content modification for edit().
type EditPatch struct {
	Content          *[]byte
	Fields           map[string]any
	AccessContractID **string
	State            map[string]any
	HasStanding      *bool
	CanExecute       *bool
	Interface        []string
}

type entry struct {
	mu       sync.RWMutex
	artifact Artifact
}

// Store is the artifact index. The zero value is not usable; use New.
type Store struct {
	events *eventlog.Log
	clock  func() time.Time

	mu      sync.RWMutex
	objects map[string]*entry

	genesisMu    sync.Mutex
	genesisOpen  bool
}

// New creates an empty Store. The genesis prefix is reserved (open) for
// bootstrap until CloseGenesis is called.
func New(events *eventlog.Log, opts ...Option) *Store {
	s := &Store{
		events:      events,
		clock:       time.Now,
		objects:     make(map[string]*entry),
		genesisOpen: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the time source (tests only).
func WithClock(c func() time.Time) Option {
	return func(s *Store) { s.clock = c }
}

// CloseGenesis ends the bootstrap phase: no caller may create a
// genesis_* id afterward.
func (s *Store) CloseGenesis() {
	s.genesisMu.Lock()
	defer s.genesisMu.Unlock()
	s.genesisOpen = false
}

func (s *Store) isGenesisOpen() bool {
	s.genesisMu.Lock()
	defer s.genesisMu.Unlock()
	return s.genesisOpen
}

// GenesisOpen reports whether genesis_*-prefixed ids are still
// writable by a privileged bootstrap handle.
func (s *Store) GenesisOpen() bool {
	return s.isGenesisOpen()
}

// Get returns a copy of the artifact, or (Artifact{}, false) if absent.
// Free of cost, never blocks a writer beyond copying its current state.
func (s *Store) Get(id string) (Artifact, bool) {
	e := s.lookup(id)
	if e == nil {
		return Artifact{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.artifact.Clone(), true
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[id]
}

// WriteResult reports whether Write created a fresh artifact or
// overwrote an existing one (Write itself appends the matching
// artifact_created or artifact_written event).
type WriteResult struct {
	Artifact Artifact
	Created  bool
}

// Write creates or overwrites the fields of id, as described in spec
// §4.1. It never partially mutates: on error, no entry is touched and
// no event is appended by the caller.
func (s *Store) Write(id string, fields WriteFields, assertingCaller string, bypassReservedPrefix bool) (WriteResult, error) {
	if id == "" {
		return WriteResult{}, kerrors.InvalidArgumentf("artifact id must not be empty")
	}
	if !bypassReservedPrefix && strings.HasPrefix(id, GenesisPrefix) && !s.isGenesisOpen() {
		return WriteResult{}, kerrors.New(kerrors.ReservedPrefix, "genesis_ prefix is reserved for bootstrap")
	}

	e := s.getOrCreateEntry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.artifact
	created := existing.ID == ""

	if !created && fields.Type != "" && existing.Type != fields.Type {
		return WriteResult{}, kerrors.New(kerrors.TypeImmutable,
			"artifact type is immutable: "+existing.Type+" != "+fields.Type)
	}

	next := existing
	next.ID = id
	if created {
		next.Type = fields.Type
		next.CreatedBy = assertingCaller
		next.CreatedAt = s.clock()
	}
	next.Content = fields.Content
	if fields.Fields != nil {
		next.Fields = cloneMap(fields.Fields)
	}
	next.AccessContractID = fields.AccessContractID
	next.HasStanding = fields.HasStanding
	next.CanExecute = fields.CanExecute
	next.Interface = fields.Interface

	state := fields.State
	if state == nil {
		state = make(map[string]any)
	} else {
		state = cloneMap(state)
	}
	if _, ok := state["writer"]; !ok {
		state["writer"] = next.CreatedBy
	}
	next.State = state

	e.artifact = next

	evType := eventlog.ArtifactWritten
	if created {
		evType = eventlog.ArtifactCreated
	}
	s.events.Append(evType, assertingCaller, map[string]any{
		"id":      id,
		"type":    next.Type,
		"created": created,
	})

	return WriteResult{Artifact: next.Clone(), Created: created}, nil
}

// Edit applies a surgical patch to an existing artifact. It rejects
// any attempt to change Type.
func (s *Store) Edit(id string, patch EditPatch, assertingCaller string) (Artifact, error) {
	e := s.lookup(id)
	if e == nil {
		return Artifact{}, kerrors.NotFoundf("artifact %s not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.artifact
	if patch.Content != nil {
		next.Content = *patch.Content
	}
	if patch.Fields != nil {
		if next.Fields == nil {
			next.Fields = make(map[string]any, len(patch.Fields))
		}
		for k, v := range patch.Fields {
			next.Fields[k] = v
		}
	}
	if patch.AccessContractID != nil {
		next.AccessContractID = *patch.AccessContractID
	}
	if patch.State != nil {
		if next.State == nil {
			next.State = make(map[string]any, len(patch.State))
		}
		for k, v := range patch.State {
			next.State[k] = v
		}
	}
	if patch.HasStanding != nil {
		next.HasStanding = *patch.HasStanding
	}
	if patch.CanExecute != nil {
		next.CanExecute = *patch.CanExecute
	}
	if patch.Interface != nil {
		next.Interface = patch.Interface
	}

	e.artifact = next
	s.events.Append(eventlog.ArtifactEdited, assertingCaller, map[string]any{"id": id})
	return next.Clone(), nil
}

// Delete removes id from the store. It does not cascade: artifacts
// referencing id as their access_contract_id become dangling and are
// handled by the permission engine's fail-open fallback.
func (s *Store) Delete(id string, assertingCaller string) error {
	s.mu.Lock()
	if _, ok := s.objects[id]; !ok {
		s.mu.Unlock()
		return kerrors.NotFoundf("artifact %s not found", id)
	}
	delete(s.objects, id)
	s.mu.Unlock()

	s.events.Append(eventlog.ArtifactDeleted, assertingCaller, map[string]any{"id": id})
	return nil
}

func (s *Store) getOrCreateEntry(id string) *entry {
	s.mu.RLock()
	e, ok := s.objects[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.objects[id]; ok {
		return e
	}
	e = &entry{}
	s.objects[id] = e
	return e
}

// Exists reports whether id is currently present.
func (s *Store) Exists(id string) bool {
	return s.lookup(id) != nil
}

// Snapshot captures every artifact for the kernel-level checkpoint hook.
type Snapshot struct {
	Artifacts map[string]Artifact
}

// Snapshot returns a deep copy of every artifact currently stored.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.objects))
	entries := make([]*entry, 0, len(s.objects))
	for id, e := range s.objects {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make(map[string]Artifact, len(ids))
	for i, id := range ids {
		entries[i].mu.RLock()
		out[id] = entries[i].artifact.Clone()
		entries[i].mu.RUnlock()
	}
	return Snapshot{Artifacts: out}
}

// Restore replaces the store's contents with snap, for use only while
// all workers are paused.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects = make(map[string]*entry, len(snap.Artifacts))
	for id, art := range snap.Artifacts {
		s.objects[id] = &entry{artifact: art.Clone()}
	}
}
