package remit

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists profiles, remittances and global parameters. Update runs fn
// in a read-write transaction that is committed only when fn returns nil.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

// Tx is the logical state layout: profiles keyed by account with a unique
// phone index, remittances keyed by id, and the scalar parameters.
type Tx interface {
	GetProfile(account common.Address) (*Profile, bool, error)
	AccountByPhone(phone string) (common.Address, bool, error)
	PutProfile(p *Profile) error
	GetRemittance(id uint64) (*Remittance, bool, error)
	PutRemittance(r *Remittance) error
	RemittancesFor(account common.Address) ([]*Remittance, error)
	// NextRemittanceID allocates the next id. The first id is 1.
	NextRemittanceID() (uint64, error)
	// Params returns ok=false before the store has been initialised.
	Params() (*Params, bool, error)
	PutParams(p *Params) error
}

// ErrReadOnly is returned when a View transaction attempts a write.
var ErrReadOnly = errors.New("remit: read-only transaction")

// MemoryStore keeps all state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[common.Address]*Profile
	phones   map[string]common.Address
	remits   map[uint64]*Remittance
	lastID   uint64
	params   *Params
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[common.Address]*Profile),
		phones:   make(map[string]common.Address),
		remits:   make(map[uint64]*Remittance),
	}
}

func (m *MemoryStore) View(_ context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.newTx(false))
}

func (m *MemoryStore) Update(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.newTx(true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) newTx(writable bool) *memTx {
	return &memTx{
		store:    m,
		writable: writable,
		profiles: make(map[common.Address]*Profile),
		phones:   make(map[string]common.Address),
		remits:   make(map[uint64]*Remittance),
		lastID:   m.lastID,
	}
}

// memTx stages writes and applies them to the store on commit.
type memTx struct {
	store    *MemoryStore
	writable bool
	profiles map[common.Address]*Profile
	phones   map[string]common.Address
	remits   map[uint64]*Remittance
	lastID   uint64
	params   *Params
}

func (t *memTx) GetProfile(account common.Address) (*Profile, bool, error) {
	if p, ok := t.profiles[account]; ok {
		return p.Clone(), true, nil
	}
	if p, ok := t.store.profiles[account]; ok {
		return p.Clone(), true, nil
	}
	return nil, false, nil
}

func (t *memTx) AccountByPhone(phone string) (common.Address, bool, error) {
	if acct, ok := t.phones[phone]; ok {
		return acct, true, nil
	}
	acct, ok := t.store.phones[phone]
	return acct, ok, nil
}

func (t *memTx) PutProfile(p *Profile) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.profiles[p.Account] = p.Clone()
	t.phones[p.PhoneNumber] = p.Account
	return nil
}

func (t *memTx) GetRemittance(id uint64) (*Remittance, bool, error) {
	if r, ok := t.remits[id]; ok {
		return r.Clone(), true, nil
	}
	if r, ok := t.store.remits[id]; ok {
		return r.Clone(), true, nil
	}
	return nil, false, nil
}

func (t *memTx) PutRemittance(r *Remittance) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.remits[r.ID] = r.Clone()
	return nil
}

func (t *memTx) RemittancesFor(account common.Address) ([]*Remittance, error) {
	seen := make(map[uint64]struct{})
	var out []*Remittance
	for id, r := range t.remits {
		seen[id] = struct{}{}
		if r.Sender == account || r.Recipient == account {
			out = append(out, r.Clone())
		}
	}
	for id, r := range t.store.remits {
		if _, ok := seen[id]; ok {
			continue
		}
		if r.Sender == account || r.Recipient == account {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) NextRemittanceID() (uint64, error) {
	if !t.writable {
		return 0, ErrReadOnly
	}
	t.lastID++
	return t.lastID, nil
}

func (t *memTx) Params() (*Params, bool, error) {
	if t.params != nil {
		return t.params.Clone(), true, nil
	}
	if t.store.params != nil {
		return t.store.params.Clone(), true, nil
	}
	return nil, false, nil
}

func (t *memTx) PutParams(p *Params) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.params = p.Clone()
	return nil
}

func (t *memTx) commit() {
	s := t.store
	for acct, p := range t.profiles {
		s.profiles[acct] = p
	}
	for phone, acct := range t.phones {
		s.phones[phone] = acct
	}
	for id, r := range t.remits {
		s.remits[id] = r
	}
	s.lastID = t.lastID
	if t.params != nil {
		s.params = t.params
	}
}
