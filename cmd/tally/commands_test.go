package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/pkg/ledger"
)

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{"TALLY_KEEPER_KEY", "TALLY_KEEPER_ENABLED", "TALLY_JOURNAL_KEY", "TALLY_NATS_URL", "TALLY_DELEGATE_SCOPE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("TALLY_DATA_DIR", dir)
	t.Setenv("TALLY_LOG_LEVEL", "error")
	t.Setenv("TALLY_LOG_FORMAT", "json")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type seeded struct {
	merchant state.Merchant
	plan     state.Plan
	sub      state.Subscription
}

func seedStore(t *testing.T, dir string) seeded {
	t.Helper()
	st, err := store.OpenSQLite(dir)
	require.NoError(t, err)
	defer st.Close()

	authority := ledger.KeyFromSeed("merchant")
	mint := ledger.KeyFromSeed("usdc")
	payer := ledger.KeyFromSeed("payer")
	m := state.Merchant{
		Address:   state.MerchantAddress(authority),
		Authority: authority,
		USDCMint:  mint,
		Treasury:  ledger.AssociatedTokenAddress(authority, mint),
	}
	planID, _ := state.PadName("pro")
	p := state.Plan{
		Address:       state.PlanAddress(m.Address, planID),
		Merchant:      m.Address,
		PlanID:        planID,
		Amount:        10_000_000,
		PeriodSeconds: 2_592_000,
		GraceSeconds:  86_400,
		Name:          planID,
		Active:        true,
	}
	s := state.Subscription{
		Address:      state.SubscriptionAddress(p.Address, payer),
		Plan:         p.Address,
		Payer:        payer,
		NextDueTs:    1_702_592_000,
		Active:       true,
		RenewalCount: 2,
		CreatedTs:    1_700_000_000,
		LastAmount:   10_000_000,
		LastPaidTs:   1_700_000_000,
		Deposit:      state.SubscriptionDeposit,
	}

	err = st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.PutConfig(state.Config{
			PlatformAuthority:       ledger.KeyFromSeed("platform-admin"),
			MinPlatformFeeBps:       10,
			MaxPlatformFeeBps:       50,
			MinPeriodSeconds:        86_400,
			DefaultAllowancePeriods: 3,
			AllowedMint:             mint,
			MaxWithdrawalAmount:     1_000_000_000,
			MaxGracePeriodSeconds:   604_800,
			KeeperFeeBps:            15,
		}); err != nil {
			return err
		}
		if err := tx.PutMerchant(m); err != nil {
			return err
		}
		if err := tx.PutPlan(p); err != nil {
			return err
		}
		return tx.PutSubscription(s)
	})
	require.NoError(t, err)
	return seeded{merchant: m, plan: p, sub: s}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "Tally dev\n", out)
}

func TestInspectConfigMissing(t *testing.T) {
	setupDataDir(t)
	_, err := execute(t, "inspect", "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInspectRecords(t *testing.T) {
	dir := setupDataDir(t)
	seed := seedStore(t, dir)

	out, err := execute(t, "inspect", "config")
	require.NoError(t, err)
	var cfg state.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, uint16(15), cfg.KeeperFeeBps)

	out, err = execute(t, "inspect", "merchant", seed.merchant.Address.String(), "--plans")
	require.NoError(t, err)
	var merchant struct {
		Authority ledger.Address `json:"authority"`
		Plans     []state.Plan   `json:"plans"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &merchant))
	assert.Equal(t, seed.merchant.Authority, merchant.Authority)
	require.Len(t, merchant.Plans, 1)
	assert.Equal(t, seed.plan.Address, merchant.Plans[0].Address)

	out, err = execute(t, "inspect", "plan", seed.plan.Address.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"planId": "pro"`)

	out, err = execute(t, "inspect", "subscription",
		"--plan", seed.plan.Address.String(), "--payer", seed.sub.Payer.String())
	require.NoError(t, err)
	var sub struct {
		state.Subscription
		Status state.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sub))
	assert.Equal(t, seed.sub.Address, sub.Address)
	assert.Equal(t, uint32(2), sub.RenewalCount)
	assert.Equal(t, state.StatusActive, sub.Status)
}

func TestInspectLegacyNamesAndPriceFilter(t *testing.T) {
	dir := setupDataDir(t)
	seed := seedStore(t, dir)

	out, err := execute(t, "inspect", "payment_terms", seed.plan.Address.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"planId": "pro"`)

	var merchant struct {
		Plans []state.Plan `json:"plans"`
	}
	out, err = execute(t, "inspect", "payee", seed.merchant.Address.String(), "--max-amount", "10.00")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &merchant))
	assert.Len(t, merchant.Plans, 1)

	merchant.Plans = nil
	out, err = execute(t, "inspect", "merchant", seed.merchant.Address.String(), "--max-amount", "9.999999")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &merchant))
	assert.Empty(t, merchant.Plans)

	_, err = execute(t, "inspect", "merchant", seed.merchant.Address.String(), "--max-amount", "0.0000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-amount")
}

func TestInspectSubscriptionArguments(t *testing.T) {
	setupDataDir(t)
	_, err := execute(t, "inspect", "subscription")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--plan and --payer")

	_, err = execute(t, "inspect", "plan", "not-an-address")
	require.Error(t, err)
}

func TestEventsListAndVerify(t *testing.T) {
	dir := setupDataDir(t)

	j, err := events.OpenJournal(events.JournalConfig{DataDir: dir})
	require.NoError(t, err)
	at := time.Unix(1_700_000_000, 0)
	sub := ledger.KeyFromSeed("sub")
	records := []events.Record{
		events.NewRecord("ins-1", "start_subscription", at, events.Subscribed{Subscription: sub, Amount: 10_000_000}),
		events.NewRecord("ins-2", "renew_subscription", at.Add(time.Hour), events.Renewed{Subscription: sub, Amount: 10_000_000}),
	}
	require.NoError(t, j.Deliver(context.Background(), records))
	require.NoError(t, j.Close())

	out, err := execute(t, "events", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "start_subscription")
	assert.Contains(t, lines[2], string(events.KindRenewed))

	out, err = execute(t, "events", "list", "--json", "--after", records[0].ID)
	require.NoError(t, err)
	var listed []events.Record
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, records[1].ID, listed[0].ID)

	out, err = execute(t, "events", "list", "--json", "--kind", "PaymentExecuted")
	require.NoError(t, err)
	listed = nil
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, events.KindRenewed, listed[0].Kind)

	_, err = execute(t, "events", "list", "--kind", "PaymentRefunded")
	require.Error(t, err)

	out, err = execute(t, "events", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "2 events checked, 0 invalid")

	db, err := sql.Open("sqlite", filepath.Join(dir, "journal", "events.db"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE events SET op = 'forged' WHERE id = ?`, records[1].ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err = execute(t, "events", "verify")
	require.Error(t, err)
	assert.Contains(t, out, "signature mismatch: "+records[1].ID)
}
