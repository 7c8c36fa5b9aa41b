package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

// SQLite is a Store backed by one SQLite database. Each Update is one
// database transaction; the single connection serializes writers.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (or creates) state.db in dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("dbPath", dbPath).Msg("State store opened")
	return s, nil
}

// Amounts are uint64 and stored bit-for-bit in INTEGER columns; they are
// never compared in SQL.
func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployer (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		address TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS config (
		id                        INTEGER PRIMARY KEY CHECK (id = 1),
		platform_authority        TEXT NOT NULL,
		pending_authority         TEXT,
		min_platform_fee_bps      INTEGER NOT NULL,
		max_platform_fee_bps      INTEGER NOT NULL,
		min_period_seconds        INTEGER NOT NULL,
		default_allowance_periods INTEGER NOT NULL,
		allowed_mint              TEXT NOT NULL,
		max_withdrawal_amount     INTEGER NOT NULL,
		max_grace_period_seconds  INTEGER NOT NULL,
		keeper_fee_bps            INTEGER NOT NULL,
		paused                    INTEGER NOT NULL DEFAULT 0,
		version                   INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS merchants (
		address               TEXT PRIMARY KEY,
		authority             TEXT NOT NULL,
		usdc_mint             TEXT NOT NULL,
		treasury              TEXT NOT NULL,
		volume_tier           INTEGER NOT NULL DEFAULT 0,
		monthly_volume        INTEGER NOT NULL DEFAULT 0,
		last_volume_update_ts INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS plans (
		address        TEXT PRIMARY KEY,
		merchant       TEXT NOT NULL REFERENCES merchants(address),
		plan_id        TEXT NOT NULL,
		amount         INTEGER NOT NULL,
		period_seconds INTEGER NOT NULL,
		grace_seconds  INTEGER NOT NULL,
		name           TEXT NOT NULL,
		active         INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_plans_merchant ON plans(merchant);
	CREATE TABLE IF NOT EXISTS subscriptions (
		address       TEXT PRIMARY KEY,
		plan          TEXT NOT NULL REFERENCES plans(address),
		payer         TEXT NOT NULL,
		next_due_ts   INTEGER NOT NULL,
		active        INTEGER NOT NULL,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		created_ts    INTEGER NOT NULL,
		last_amount   INTEGER NOT NULL DEFAULT 0,
		last_paid_ts  INTEGER NOT NULL DEFAULT 0,
		trial_ends_at INTEGER,
		in_trial      INTEGER NOT NULL DEFAULT 0,
		deposit       INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(active, next_due_ts);
	CREATE TABLE IF NOT EXISTS mints (
		address  TEXT PRIMARY KEY,
		decimals INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS token_accounts (
		address          TEXT PRIMARY KEY,
		mint             TEXT NOT NULL,
		owner            TEXT NOT NULL,
		amount           INTEGER NOT NULL DEFAULT 0,
		delegate         TEXT NOT NULL DEFAULT '',
		delegated_amount INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS native_balances (
		owner  TEXT PRIMARY KEY,
		amount INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.dbPath }

func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state update: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state update: %w", err)
	}
	return nil
}

func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state view: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx})
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) exec(what, query string, args ...any) error {
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (t *sqlTx) Deployer() (ledger.Address, error) {
	var a ledger.Address
	err := t.tx.QueryRowContext(t.ctx, `SELECT address FROM deployer WHERE id = 1`).Scan(addrCol{&a})
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("deployer: %w", ErrNotFound)
	}
	return a, err
}

func (t *sqlTx) PutDeployer(addr ledger.Address) error {
	return t.exec("put deployer", `INSERT INTO deployer (id, address) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address`, addr.String())
}

const configColumns = `platform_authority, pending_authority, min_platform_fee_bps, max_platform_fee_bps,
	min_period_seconds, default_allowance_periods, allowed_mint, max_withdrawal_amount,
	max_grace_period_seconds, keeper_fee_bps, paused, version`

func (t *sqlTx) Config() (state.Config, error) {
	var (
		c       state.Config
		pending sql.NullString
		minPer  int64
		maxWd   int64
		maxGr   int64
		paused  int
		version int64
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT `+configColumns+` FROM config WHERE id = 1`).Scan(
		addrCol{&c.PlatformAuthority}, &pending, &c.MinPlatformFeeBps, &c.MaxPlatformFeeBps,
		&minPer, &c.DefaultAllowancePeriods, addrCol{&c.AllowedMint}, &maxWd,
		&maxGr, &c.KeeperFeeBps, &paused, &version,
	)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("config: %w", ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("scan config: %w", err)
	}
	if pending.Valid {
		p, err := ledger.ParseAddress(pending.String)
		if err != nil {
			return c, fmt.Errorf("scan config pending authority: %w", err)
		}
		c.PendingAuthority = &p
	}
	c.MinPeriodSeconds = uint64(minPer)
	c.MaxWithdrawalAmount = uint64(maxWd)
	c.MaxGracePeriodSeconds = uint64(maxGr)
	c.Paused = paused != 0
	c.Version = uint64(version)
	return c, nil
}

func (t *sqlTx) PutConfig(c state.Config) error {
	var pending any
	if c.PendingAuthority != nil {
		pending = c.PendingAuthority.String()
	}
	return t.exec("put config", `INSERT INTO config (id, `+configColumns+`)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform_authority = excluded.platform_authority,
			pending_authority = excluded.pending_authority,
			min_platform_fee_bps = excluded.min_platform_fee_bps,
			max_platform_fee_bps = excluded.max_platform_fee_bps,
			min_period_seconds = excluded.min_period_seconds,
			default_allowance_periods = excluded.default_allowance_periods,
			allowed_mint = excluded.allowed_mint,
			max_withdrawal_amount = excluded.max_withdrawal_amount,
			max_grace_period_seconds = excluded.max_grace_period_seconds,
			keeper_fee_bps = excluded.keeper_fee_bps,
			paused = excluded.paused,
			version = excluded.version`,
		c.PlatformAuthority.String(), pending, c.MinPlatformFeeBps, c.MaxPlatformFeeBps,
		int64(c.MinPeriodSeconds), c.DefaultAllowancePeriods, c.AllowedMint.String(), int64(c.MaxWithdrawalAmount),
		int64(c.MaxGracePeriodSeconds), c.KeeperFeeBps, boolToInt(c.Paused), int64(c.Version),
	)
}

const merchantColumns = `address, authority, usdc_mint, treasury, volume_tier, monthly_volume, last_volume_update_ts`

func scanMerchant(s scanner) (state.Merchant, error) {
	var (
		m      state.Merchant
		tier   uint8
		volume int64
	)
	err := s.Scan(addrCol{&m.Address}, addrCol{&m.Authority}, addrCol{&m.USDCMint}, addrCol{&m.Treasury},
		&tier, &volume, &m.LastVolumeUpdateTs)
	if err != nil {
		return m, err
	}
	m.VolumeTier = state.VolumeTier(tier)
	m.MonthlyVolume = uint64(volume)
	return m, nil
}

func (t *sqlTx) Merchant(addr ledger.Address) (state.Merchant, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+merchantColumns+` FROM merchants WHERE address = ?`, addr.String())
	m, err := scanMerchant(row)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("merchant %s: %w", addr.Short(), ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("scan merchant: %w", err)
	}
	return m, nil
}

func (t *sqlTx) PutMerchant(m state.Merchant) error {
	return t.exec("put merchant", `INSERT INTO merchants (`+merchantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			authority = excluded.authority,
			usdc_mint = excluded.usdc_mint,
			treasury = excluded.treasury,
			volume_tier = excluded.volume_tier,
			monthly_volume = excluded.monthly_volume,
			last_volume_update_ts = excluded.last_volume_update_ts`,
		m.Address.String(), m.Authority.String(), m.USDCMint.String(), m.Treasury.String(),
		uint8(m.VolumeTier), int64(m.MonthlyVolume), m.LastVolumeUpdateTs,
	)
}

const planColumns = `address, merchant, plan_id, amount, period_seconds, grace_seconds, name, active`

func scanPlan(s scanner) (state.Plan, error) {
	var (
		p                     state.Plan
		planID, name          string
		amount, period, grace int64
		active                int
	)
	if err := s.Scan(addrCol{&p.Address}, addrCol{&p.Merchant}, &planID, &amount, &period, &grace, &name, &active); err != nil {
		return p, err
	}
	if err := p.PlanID.UnmarshalText([]byte(planID)); err != nil {
		return p, err
	}
	if err := p.Name.UnmarshalText([]byte(name)); err != nil {
		return p, err
	}
	p.Amount = uint64(amount)
	p.PeriodSeconds = uint64(period)
	p.GraceSeconds = uint64(grace)
	p.Active = active != 0
	return p, nil
}

func (t *sqlTx) Plan(addr ledger.Address) (state.Plan, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+planColumns+` FROM plans WHERE address = ?`, addr.String())
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("plan %s: %w", addr.Short(), ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("scan plan: %w", err)
	}
	return p, nil
}

func (t *sqlTx) PutPlan(p state.Plan) error {
	return t.exec("put plan", `INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			amount = excluded.amount,
			period_seconds = excluded.period_seconds,
			grace_seconds = excluded.grace_seconds,
			name = excluded.name,
			active = excluded.active`,
		p.Address.String(), p.Merchant.String(), p.PlanID.String(), int64(p.Amount),
		int64(p.PeriodSeconds), int64(p.GraceSeconds), p.Name.String(), boolToInt(p.Active),
	)
}

func (t *sqlTx) PlansByMerchant(merchant ledger.Address) ([]state.Plan, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+planColumns+` FROM plans WHERE merchant = ? ORDER BY plan_id`, merchant.String())
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []state.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const subscriptionColumns = `address, plan, payer, next_due_ts, active, renewal_count, created_ts,
	last_amount, last_paid_ts, trial_ends_at, in_trial, deposit`

func scanSubscription(s scanner) (state.Subscription, error) {
	var (
		sub             state.Subscription
		active, inTrial int
		lastAmount      int64
		trialEnds       sql.NullInt64
		deposit         int64
	)
	err := s.Scan(addrCol{&sub.Address}, addrCol{&sub.Plan}, addrCol{&sub.Payer}, &sub.NextDueTs, &active,
		&sub.RenewalCount, &sub.CreatedTs, &lastAmount, &sub.LastPaidTs, &trialEnds, &inTrial, &deposit)
	if err != nil {
		return sub, err
	}
	sub.Active = active != 0
	sub.InTrial = inTrial != 0
	sub.LastAmount = uint64(lastAmount)
	sub.Deposit = uint64(deposit)
	if trialEnds.Valid {
		ends := trialEnds.Int64
		sub.TrialEndsAt = &ends
	}
	return sub, nil
}

func (t *sqlTx) Subscription(addr ledger.Address) (state.Subscription, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE address = ?`, addr.String())
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return sub, fmt.Errorf("subscription %s: %w", addr.Short(), ErrNotFound)
	}
	if err != nil {
		return sub, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

func (t *sqlTx) PutSubscription(s state.Subscription) error {
	var trialEnds any
	if s.TrialEndsAt != nil {
		trialEnds = *s.TrialEndsAt
	}
	return t.exec("put subscription", `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			next_due_ts = excluded.next_due_ts,
			active = excluded.active,
			renewal_count = excluded.renewal_count,
			created_ts = excluded.created_ts,
			last_amount = excluded.last_amount,
			last_paid_ts = excluded.last_paid_ts,
			trial_ends_at = excluded.trial_ends_at,
			in_trial = excluded.in_trial,
			deposit = excluded.deposit`,
		s.Address.String(), s.Plan.String(), s.Payer.String(), s.NextDueTs, boolToInt(s.Active),
		s.RenewalCount, s.CreatedTs, int64(s.LastAmount), s.LastPaidTs, trialEnds, boolToInt(s.InTrial),
		int64(s.Deposit),
	)
}

func (t *sqlTx) DeleteSubscription(addr ledger.Address) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM subscriptions WHERE address = ?`, addr.String())
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", addr.Short(), ErrNotFound)
	}
	return nil
}

func (t *sqlTx) DueSubscriptions(now int64, limit int) ([]state.Subscription, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE active = 1 AND next_due_ts <= ?
		AND ? - next_due_ts <= (SELECT plans.grace_seconds FROM plans WHERE plans.address = subscriptions.plan)
		ORDER BY next_due_ts, address LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()
	var out []state.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (t *sqlTx) SubscriptionCounts() (map[state.Status]int, error) {
	counts := map[state.Status]int{
		state.StatusTrialing: 0,
		state.StatusActive:   0,
		state.StatusPaused:   0,
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT active, in_trial, COUNT(*) FROM subscriptions GROUP BY active, in_trial`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var active, inTrial, n int
		if err := rows.Scan(&active, &inTrial, &n); err != nil {
			return nil, fmt.Errorf("scan subscription count: %w", err)
		}
		sub := state.Subscription{Active: active != 0, InTrial: inTrial != 0}
		counts[sub.Status()] += n
	}
	return counts, rows.Err()
}

const tokenAccountColumns = `address, mint, owner, amount, delegate, delegated_amount`

func (t *sqlTx) TokenAccount(addr ledger.Address) (ledger.TokenAccount, error) {
	var (
		a                 ledger.TokenAccount
		amount, delegated int64
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT `+tokenAccountColumns+` FROM token_accounts WHERE address = ?`, addr.String()).
		Scan(addrCol{&a.Address}, addrCol{&a.Mint}, addrCol{&a.Owner}, &amount, addrCol{&a.Delegate}, &delegated)
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("%s: %w", addr.Short(), ledger.ErrAccountNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("scan token account: %w", err)
	}
	a.Amount = uint64(amount)
	a.DelegatedAmount = uint64(delegated)
	return a, nil
}

func (t *sqlTx) PutTokenAccount(a ledger.TokenAccount) error {
	delegate := ""
	if a.HasDelegate() {
		delegate = a.Delegate.String()
	}
	return t.exec("put token account", `INSERT INTO token_accounts (`+tokenAccountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			mint = excluded.mint,
			owner = excluded.owner,
			amount = excluded.amount,
			delegate = excluded.delegate,
			delegated_amount = excluded.delegated_amount`,
		a.Address.String(), a.Mint.String(), a.Owner.String(), int64(a.Amount), delegate, int64(a.DelegatedAmount),
	)
}

func (t *sqlTx) Mint(addr ledger.Address) (ledger.Mint, error) {
	m := ledger.Mint{Address: addr}
	err := t.tx.QueryRowContext(t.ctx, `SELECT decimals FROM mints WHERE address = ?`, addr.String()).Scan(&m.Decimals)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("%s: %w", addr.Short(), ledger.ErrMintNotFound)
	}
	return m, err
}

func (t *sqlTx) PutMint(m ledger.Mint) error {
	return t.exec("put mint", `INSERT INTO mints (address, decimals) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET decimals = excluded.decimals`, m.Address.String(), m.Decimals)
}

func (t *sqlTx) NativeBalance(owner ledger.Address) (uint64, error) {
	var amount int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT amount FROM native_balances WHERE owner = ?`, owner.String()).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan native balance: %w", err)
	}
	return uint64(amount), nil
}

func (t *sqlTx) PutNativeBalance(owner ledger.Address, amount uint64) error {
	return t.exec("put native balance", `INSERT INTO native_balances (owner, amount) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET amount = excluded.amount`, owner.String(), int64(amount))
}

// addrCol scans a hex TEXT column into an address. An empty string is the
// zero address.
type addrCol struct{ dst *ledger.Address }

func (c addrCol) Scan(src any) error {
	var text string
	switch v := src.(type) {
	case nil:
		*c.dst = ledger.Address{}
		return nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("address column: unsupported type %T", src)
	}
	if text == "" {
		*c.dst = ledger.Address{}
		return nil
	}
	a, err := ledger.ParseAddress(text)
	if err != nil {
		return err
	}
	*c.dst = a
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
