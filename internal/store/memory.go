package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

type table uint8

const (
	tableMerchants table = 1 << iota
	tablePlans
	tableSubscriptions
	tableAccounts
	tableMints
	tableNative
)

type snapshot struct {
	deployer      *ledger.Address
	config        *state.Config
	merchants     map[ledger.Address]state.Merchant
	plans         map[ledger.Address]state.Plan
	subscriptions map[ledger.Address]state.Subscription
	accounts      map[ledger.Address]ledger.TokenAccount
	mints         map[ledger.Address]ledger.Mint
	native        map[ledger.Address]uint64

	// owned marks the maps this snapshot has copied and may write to.
	owned table
}

// clone shares every map with s. Maps are copied on first write.
func (s *snapshot) clone() *snapshot {
	c := *s
	c.owned = 0
	if s.deployer != nil {
		d := *s.deployer
		c.deployer = &d
	}
	if s.config != nil {
		cfg := *s.config
		c.config = &cfg
	}
	return &c
}

func (s *snapshot) own(t table) {
	if s.owned&t != 0 {
		return
	}
	s.owned |= t
	switch t {
	case tableMerchants:
		s.merchants = maps.Clone(s.merchants)
	case tablePlans:
		s.plans = maps.Clone(s.plans)
	case tableSubscriptions:
		s.subscriptions = maps.Clone(s.subscriptions)
	case tableAccounts:
		s.accounts = maps.Clone(s.accounts)
	case tableMints:
		s.mints = maps.Clone(s.mints)
	case tableNative:
		s.native = maps.Clone(s.native)
	}
}

// Memory is a copy-on-write in-memory Store. Each Update works on a clone
// that replaces the current snapshot only on success. A clone copies only
// the tables it writes, so an instruction costs the size of those tables.
type Memory struct {
	mu      sync.RWMutex
	current *snapshot
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{current: &snapshot{
		merchants:     make(map[ledger.Address]state.Merchant),
		plans:         make(map[ledger.Address]state.Plan),
		subscriptions: make(map[ledger.Address]state.Subscription),
		accounts:      make(map[ledger.Address]ledger.TokenAccount),
		mints:         make(map[ledger.Address]ledger.Mint),
		native:        make(map[ledger.Address]uint64),
	}}
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current.clone()
	if err := fn(&memTx{s: next}); err != nil {
		return err
	}
	m.current = next
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	snap := m.current
	m.mu.RUnlock()
	return fn(&memTx{s: snap, readOnly: true})
}

func (m *Memory) Close() error { return nil }

type memTx struct {
	s        *snapshot
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return fmt.Errorf("write in read-only transaction")
	}
	return nil
}

func (t *memTx) Deployer() (ledger.Address, error) {
	if t.s.deployer == nil {
		return ledger.Address{}, fmt.Errorf("deployer: %w", ErrNotFound)
	}
	return *t.s.deployer, nil
}

func (t *memTx) PutDeployer(addr ledger.Address) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.deployer = &addr
	return nil
}

func (t *memTx) Config() (state.Config, error) {
	if t.s.config == nil {
		return state.Config{}, fmt.Errorf("config: %w", ErrNotFound)
	}
	cfg := *t.s.config
	if cfg.PendingAuthority != nil {
		p := *cfg.PendingAuthority
		cfg.PendingAuthority = &p
	}
	return cfg, nil
}

func (t *memTx) PutConfig(cfg state.Config) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.config = &cfg
	return nil
}

func (t *memTx) Merchant(addr ledger.Address) (state.Merchant, error) {
	m, ok := t.s.merchants[addr]
	if !ok {
		return state.Merchant{}, fmt.Errorf("merchant %s: %w", addr.Short(), ErrNotFound)
	}
	return m, nil
}

func (t *memTx) PutMerchant(m state.Merchant) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tableMerchants)
	t.s.merchants[m.Address] = m
	return nil
}

func (t *memTx) Plan(addr ledger.Address) (state.Plan, error) {
	p, ok := t.s.plans[addr]
	if !ok {
		return state.Plan{}, fmt.Errorf("plan %s: %w", addr.Short(), ErrNotFound)
	}
	return p, nil
}

func (t *memTx) PutPlan(p state.Plan) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tablePlans)
	t.s.plans[p.Address] = p
	return nil
}

func (t *memTx) PlansByMerchant(merchant ledger.Address) ([]state.Plan, error) {
	var out []state.Plan
	for _, p := range t.s.plans {
		if p.Merchant == merchant {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID.String() < out[j].PlanID.String() })
	return out, nil
}

func (t *memTx) Subscription(addr ledger.Address) (state.Subscription, error) {
	s, ok := t.s.subscriptions[addr]
	if !ok {
		return state.Subscription{}, fmt.Errorf("subscription %s: %w", addr.Short(), ErrNotFound)
	}
	if s.TrialEndsAt != nil {
		ends := *s.TrialEndsAt
		s.TrialEndsAt = &ends
	}
	return s, nil
}

func (t *memTx) PutSubscription(s state.Subscription) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tableSubscriptions)
	t.s.subscriptions[s.Address] = s
	return nil
}

func (t *memTx) DeleteSubscription(addr ledger.Address) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.s.subscriptions[addr]; !ok {
		return fmt.Errorf("subscription %s: %w", addr.Short(), ErrNotFound)
	}
	t.s.own(tableSubscriptions)
	delete(t.s.subscriptions, addr)
	return nil
}

func (t *memTx) DueSubscriptions(now int64, limit int) ([]state.Subscription, error) {
	var due []state.Subscription
	for _, s := range t.s.subscriptions {
		if !s.Active || s.NextDueTs > now {
			continue
		}
		plan, ok := t.s.plans[s.Plan]
		if !ok || uint64(now-s.NextDueTs) > plan.GraceSeconds {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextDueTs != due[j].NextDueTs {
			return due[i].NextDueTs < due[j].NextDueTs
		}
		return due[i].Address.String() < due[j].Address.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (t *memTx) SubscriptionCounts() (map[state.Status]int, error) {
	counts := map[state.Status]int{
		state.StatusTrialing: 0,
		state.StatusActive:   0,
		state.StatusPaused:   0,
	}
	for _, s := range t.s.subscriptions {
		counts[s.Status()]++
	}
	return counts, nil
}

func (t *memTx) TokenAccount(addr ledger.Address) (ledger.TokenAccount, error) {
	a, ok := t.s.accounts[addr]
	if !ok {
		return ledger.TokenAccount{}, fmt.Errorf("%s: %w", addr.Short(), ledger.ErrAccountNotFound)
	}
	return a, nil
}

func (t *memTx) PutTokenAccount(acct ledger.TokenAccount) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tableAccounts)
	t.s.accounts[acct.Address] = acct
	return nil
}

func (t *memTx) Mint(addr ledger.Address) (ledger.Mint, error) {
	m, ok := t.s.mints[addr]
	if !ok {
		return ledger.Mint{}, fmt.Errorf("%s: %w", addr.Short(), ledger.ErrMintNotFound)
	}
	return m, nil
}

func (t *memTx) PutMint(m ledger.Mint) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tableMints)
	t.s.mints[m.Address] = m
	return nil
}

func (t *memTx) NativeBalance(owner ledger.Address) (uint64, error) {
	return t.s.native[owner], nil
}

func (t *memTx) PutNativeBalance(owner ledger.Address, amount uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.own(tableNative)
	t.s.native[owner] = amount
	return nil
}
