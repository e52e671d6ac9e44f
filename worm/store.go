package worm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists records append-only. The appeal-status side channel is the
// only mutation.
type Store interface {
	// Append links rec to the current head of chain and stores it atomically
	// with the head advance.
	Append(ctx context.Context, chain Chain, rec Record) (Record, error)
	// Scan visits every record of chain in sequence order.
	Scan(ctx context.Context, chain Chain, fn func(Record) error) error
	FindByHash(ctx context.Context, hash string) (Record, error)
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	ListBySubject(ctx context.Context, subject string) ([]Record, error)
	SetAppealStatus(ctx context.Context, hash, status string) error
}

// MemoryStore keeps chains in process. Appends take a per-chain lock so
// writers on different chains do not contend.
type MemoryStore struct {
	chainMu sync.Map // Chain -> *sync.Mutex

	mu     sync.RWMutex
	chains map[Chain][]Record
	byHash map[string]recordRef
}

type recordRef struct {
	chain Chain
	index int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[Chain][]Record),
		byHash: make(map[string]recordRef),
	}
}

func (s *MemoryStore) lockChain(chain Chain) func() {
	v, _ := s.chainMu.LoadOrStore(chain, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *MemoryStore) Append(ctx context.Context, chain Chain, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	unlock := s.lockChain(chain)
	defer unlock()

	s.mu.RLock()
	head := genesis()
	if recs := s.chains[chain]; len(recs) > 0 {
		last := recs[len(recs)-1]
		head = Head{Seq: last.Seq, Hash: last.Hash}
	}
	s.mu.RUnlock()

	rec.Chain = chain
	if err := seal(&rec, head); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[rec.Hash]; dup {
		return Record{}, fmt.Errorf("worm: duplicate hash %s", rec.Hash)
	}
	s.chains[chain] = append(s.chains[chain], rec)
	s.byHash[rec.Hash] = recordRef{chain: chain, index: len(s.chains[chain]) - 1}
	return rec, nil
}

func (s *MemoryStore) Scan(ctx context.Context, chain Chain, fn func(Record) error) error {
	s.mu.RLock()
	recs := make([]Record, len(s.chains[chain]))
	copy(recs, s.chains[chain])
	s.mu.RUnlock()

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byHash[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.chains[ref.chain][ref.index], nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.UserID == userID }), nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subject string) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.Subject == subject }), nil
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, chain := range Chains {
		for _, r := range s.chains[chain] {
			if keep(r) {
				out = append(out, r)
			}
		}
	}
	sortRecords(out)
	return out
}

func (s *MemoryStore) SetAppealStatus(_ context.Context, hash, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	s.chains[ref.chain][ref.index].AppealStatus = status
	return nil
}

// sortRecords orders by creation time, then chain and sequence.
func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		return a.Seq < b.Seq
	})
}
