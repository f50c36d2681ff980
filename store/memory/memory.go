// Package memory is an in-memory unit of work for tests and local runs.
//
// WithinTx holds one store-wide mutex for the whole callback, so transactions
// are fully serialized. A callback error restores a snapshot taken at the
// start of the transaction.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
	"github.com/warp/leave-engine/uow"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu       sync.Mutex
	balances map[ledger.BalanceID]ledger.Balance
	entries  map[ledger.BalanceID][]ledger.Entry
	requests map[string]*request.Request
	numbers  map[string]string // tenant/number -> request id
	counters map[string]int64
	audit    []audit.Record
}

func New() *Store {
	return &Store{
		balances: make(map[ledger.BalanceID]ledger.Balance),
		entries:  make(map[ledger.BalanceID][]ledger.Entry),
		requests: make(map[string]*request.Request),
		numbers:  make(map[string]string),
		counters: make(map[string]int64),
	}
}

// WithinTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (s *Store) WithinTx(ctx context.Context, fn func(uow.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.snapshot()
	view := &txView{s: s}
	if err := fn(uow.Repos{Ledger: view, Requests: view}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Append implements audit.Sink.
func (s *Store) Append(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// AuditRecords returns a copy of everything appended so far.
func (s *Store) AuditRecords() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.audit))
	copy(out, s.audit)
	return out
}

type snapshot struct {
	balances map[ledger.BalanceID]ledger.Balance
	entries  map[ledger.BalanceID][]ledger.Entry
	requests map[string]*request.Request
	numbers  map[string]string
	counters map[string]int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		balances: make(map[ledger.BalanceID]ledger.Balance, len(s.balances)),
		entries:  make(map[ledger.BalanceID][]ledger.Entry, len(s.entries)),
		requests: make(map[string]*request.Request, len(s.requests)),
		numbers:  make(map[string]string, len(s.numbers)),
		counters: make(map[string]int64, len(s.counters)),
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.entries {
		snap.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range s.requests {
		snap.requests[k] = v.Clone()
	}
	for k, v := range s.numbers {
		snap.numbers[k] = v
	}
	for k, v := range s.counters {
		snap.counters[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.balances = snap.balances
	s.entries = snap.entries
	s.requests = snap.requests
	s.numbers = snap.numbers
	s.counters = snap.counters
}

// =============================================================================
// TRANSACTIONAL VIEW - caller already holds s.mu
// =============================================================================

type txView struct {
	s *Store
}

func (v *txView) LockBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	return v.GetBalance(ctx, key)
}

func (v *txView) GetBalance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	b, ok := v.s.balances[key.ID()]
	if !ok {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	return b, nil
}

func (v *txView) InsertBalance(_ context.Context, b ledger.Balance) error {
	if _, ok := v.s.balances[b.ID]; ok {
		return uow.ErrConflict
	}
	v.s.balances[b.ID] = b
	return nil
}

func (v *txView) UpdateBalance(_ context.Context, b ledger.Balance) error {
	if _, ok := v.s.balances[b.ID]; !ok {
		return ledger.ErrBalanceNotFound
	}
	v.s.balances[b.ID] = b
	return nil
}

func (v *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	v.s.entries[e.BalanceID] = append(v.s.entries[e.BalanceID], e)
	return nil
}

func (v *txView) EntriesForRequest(_ context.Context, id ledger.BalanceID, requestID string) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range v.s.entries[id] {
		if e.SourceRequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *txView) Entries(_ context.Context, id ledger.BalanceID) ([]ledger.Entry, error) {
	out := append([]ledger.Entry(nil), v.s.entries[id]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func (v *txView) BalanceKeys(_ context.Context, year int) ([]ledger.BalanceKey, error) {
	var ids []string
	for id, b := range v.s.balances {
		if b.Key.Year == year {
			ids = append(ids, string(id))
		}
	}
	sort.Strings(ids)
	out := make([]ledger.BalanceKey, len(ids))
	for i, id := range ids {
		out[i] = v.s.balances[ledger.BalanceID(id)].Key
	}
	return out, nil
}

func (v *txView) Create(_ context.Context, r *request.Request) error {
	if _, ok := v.s.requests[r.ID]; ok {
		return request.ErrDuplicateNumber
	}
	numKey := r.TenantID + "/" + r.Number
	if _, ok := v.s.numbers[numKey]; ok {
		return request.ErrDuplicateNumber
	}
	v.s.requests[r.ID] = r.Clone()
	v.s.numbers[numKey] = r.ID
	return nil
}

func (v *txView) Get(_ context.Context, id string) (*request.Request, error) {
	r, ok := v.s.requests[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	return r.Clone(), nil
}

func (v *txView) GetForUpdate(ctx context.Context, id string) (*request.Request, error) {
	return v.Get(ctx, id)
}

func (v *txView) Update(_ context.Context, r *request.Request, expected request.Status) error {
	cur, ok := v.s.requests[r.ID]
	if !ok {
		return request.ErrNotFound
	}
	if cur.Status != expected {
		return request.ErrStale
	}
	v.s.requests[r.ID] = r.Clone()
	return nil
}

func (v *txView) ListByEmployee(_ context.Context, tenantID, employeeID string) ([]*request.Request, error) {
	var out []*request.Request
	for _, r := range v.s.requests {
		if r.TenantID == tenantID && r.EmployeeID == employeeID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].Number, out[j].Number) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (v *txView) NextSequence(_ context.Context, tenantID string, kind request.Kind, year int) (int64, error) {
	k := counterKey(tenantID, kind, year)
	v.s.counters[k]++
	return v.s.counters[k], nil
}

func counterKey(tenantID string, kind request.Kind, year int) string {
	return tenantID + "/" + string(kind) + "/" + strconv.Itoa(year)
}
