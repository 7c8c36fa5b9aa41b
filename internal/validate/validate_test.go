package validate

import (
	"math"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

var (
	testMint     = ledger.KeyFromSeed("usdc")
	testPayer    = ledger.KeyFromSeed("payer")
	testDelegate = state.DelegateAddress(state.DelegateGlobal, ledger.ZeroAddress)
)

func payerAccount(delegated uint64) ledger.TokenAccount {
	return ledger.TokenAccount{
		Address:         ledger.AssociatedTokenAddress(testPayer, testMint),
		Mint:            testMint,
		Owner:           testPayer,
		Amount:          1_000_000_000,
		Delegate:        testDelegate,
		DelegatedAmount: delegated,
	}
}

func TestRenewalWindow(t *testing.T) {
	plan := state.Plan{PeriodSeconds: 30 * 86_400, GraceSeconds: 3 * 86_400}
	due := int64(1_700_000_000)
	sub := state.Subscription{NextDueTs: due, LastPaidTs: due - int64(plan.PeriodSeconds)}

	tests := []struct {
		name string
		now  int64
		want error
	}{
		{"one second early", due - 1, errors.ErrNotDue},
		{"exactly due", due, nil},
		{"inside grace", due + 86_400, nil},
		{"last second of grace", due + int64(plan.GraceSeconds), nil},
		{"past grace", due + int64(plan.GraceSeconds) + 1, errors.ErrPastGrace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RenewalWindow("renew", tt.now, sub, plan)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRenewalWindowRejectsSecondRenewalInPeriod(t *testing.T) {
	plan := state.Plan{PeriodSeconds: 30 * 86_400, GraceSeconds: 3 * 86_400}
	t0 := int64(1_700_000_000)
	// next_due forced backward so the first two checks pass.
	sub := state.Subscription{NextDueTs: t0, LastPaidTs: t0}

	err := RenewalWindow("renew", t0+1, sub, plan)
	require.ErrorIs(t, err, errors.ErrNotDue)
}

func TestRenewalWindowOverflowIsArithmetic(t *testing.T) {
	plan := state.Plan{PeriodSeconds: 1, GraceSeconds: math.MaxUint64}
	sub := state.Subscription{NextDueTs: 10}
	assert.ErrorIs(t, RenewalWindow("renew", 10, sub, plan), errors.ErrArithmetic)

	plan = state.Plan{PeriodSeconds: 10, GraceSeconds: 10}
	sub = state.Subscription{NextDueTs: math.MaxInt64 - 5}
	assert.ErrorIs(t, RenewalWindow("renew", math.MaxInt64, sub, plan), errors.ErrArithmetic)
}

func TestRequiredAllowanceGuardAgreesWithCheckedMultiply(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20_000; i++ {
		periods := uint64(rng.Intn(255) + 1)
		var amount uint64
		switch i % 3 {
		case 0:
			amount = rng.Uint64()
		case 1:
			amount = math.MaxUint64 / periods
		default:
			amount = math.MaxUint64/periods + uint64(rng.Intn(3))
		}

		guardOK := amount <= math.MaxUint64/periods
		hi, _ := bits.Mul64(amount, periods)
		mulOK := hi == 0
		if guardOK != mulOK {
			t.Fatalf("amount=%d periods=%d: guard %v, multiply %v", amount, periods, guardOK, mulOK)
		}

		_, err := RequiredAllowance("start", amount, periods)
		if guardOK && err != nil {
			t.Fatalf("amount=%d periods=%d: unexpected error %v", amount, periods, err)
		}
		if !guardOK && !errors.Is(err, errors.ErrInvalidPlan) {
			t.Fatalf("amount=%d periods=%d: expected ErrInvalidPlan, got %v", amount, periods, err)
		}
	}
}

func TestStartAllowance(t *testing.T) {
	const amount = 10_000_000

	assert.NoError(t, StartAllowance("start", payerAccount(30_000_000), testDelegate, amount, 3))
	assert.ErrorIs(t, StartAllowance("start", payerAccount(29_999_999), testDelegate, amount, 3), errors.ErrInsufficientAllowance)

	other := payerAccount(30_000_000)
	other.Delegate = ledger.KeyFromSeed("someone-else")
	assert.ErrorIs(t, StartAllowance("start", other, testDelegate, amount, 3), errors.ErrUnauthorized)

	assert.Equal(t, uint64(3), StartPeriods(0, 3))
	assert.Equal(t, uint64(5), StartPeriods(5, 3))
	assert.Equal(t, uint64(3), StartPeriods(2, 3))
	assert.Equal(t, uint64(3), StartPeriods(1, 3))
}

func TestCheckRenewalAllowance(t *testing.T) {
	const amount = 10_000_000

	res, err := CheckRenewalAllowance("renew", payerAccount(20_000_000), testDelegate, amount)
	require.NoError(t, err)
	assert.False(t, res.Low)

	res, err = CheckRenewalAllowance("renew", payerAccount(10_000_000), testDelegate, amount)
	require.NoError(t, err)
	assert.True(t, res.Low, "exactly one period left must warn")
	assert.Equal(t, uint64(20_000_000), res.Recommended)

	_, err = CheckRenewalAllowance("renew", payerAccount(9_999_999), testDelegate, amount)
	assert.ErrorIs(t, err, errors.ErrInsufficientAllowance)

	revoked := payerAccount(15_000_000)
	revoked.Delegate = ledger.ZeroAddress
	res, err = CheckRenewalAllowance("renew", revoked, testDelegate, amount)
	require.ErrorIs(t, err, errors.ErrUnauthorized)
	assert.True(t, res.Mismatch)
	assert.True(t, res.Low)
	assert.Equal(t, testDelegate, res.Expected)
	assert.True(t, res.Actual.IsZero())
}

func TestTokenAccountChecks(t *testing.T) {
	acct := payerAccount(0)
	assert.NoError(t, TokenAccount("start", acct, testPayer, testMint))
	assert.ErrorIs(t, TokenAccount("start", acct, ledger.KeyFromSeed("x"), testMint), errors.ErrBadTokenAccountOwner)
	assert.ErrorIs(t, TokenAccount("start", acct, testPayer, ledger.KeyFromSeed("eur")), errors.ErrWrongMint)
}

func TestMerchantTreasuryRevalidatesCurrentOwner(t *testing.T) {
	authority := ledger.KeyFromSeed("merchant")
	treasury := ledger.AssociatedTokenAddress(authority, testMint)
	merchant := state.Merchant{Authority: authority, USDCMint: testMint, Treasury: treasury}
	acct := ledger.TokenAccount{Address: treasury, Mint: testMint, Owner: authority}

	require.NoError(t, MerchantTreasury("renew", acct, merchant))

	reassigned := acct
	reassigned.Owner = ledger.KeyFromSeed("new-owner")
	assert.ErrorIs(t, MerchantTreasury("renew", reassigned, merchant), errors.ErrBadTokenAccountOwner)

	substitute := acct
	substitute.Address = ledger.KeyFromSeed("attacker-ata")
	assert.ErrorIs(t, MerchantTreasury("renew", substitute, merchant), errors.ErrBadDerivation)
}

func TestPlatformTreasuryIsRederived(t *testing.T) {
	cfg := state.Config{PlatformAuthority: ledger.KeyFromSeed("platform"), AllowedMint: testMint}
	acct := ledger.TokenAccount{Address: cfg.PlatformTreasury(), Mint: testMint, Owner: cfg.PlatformAuthority}
	require.NoError(t, PlatformTreasury("renew", acct, cfg))

	// After an authority transfer the old treasury no longer matches.
	cfg.PlatformAuthority = ledger.KeyFromSeed("platform-2")
	assert.ErrorIs(t, PlatformTreasury("renew", acct, cfg), errors.ErrBadDerivation)
}

func TestVerifyDerivation(t *testing.T) {
	plan := ledger.KeyFromSeed("plan")
	sub := state.SubscriptionAddress(plan, testPayer)

	assert.NoError(t, VerifySubscription("renew", sub, plan, testPayer))
	assert.ErrorIs(t, VerifySubscription("renew", sub, plan, ledger.KeyFromSeed("other")), errors.ErrBadDerivation)

	authority := ledger.KeyFromSeed("m")
	assert.NoError(t, VerifyMerchant("create_plan", state.MerchantAddress(authority), authority))
	assert.ErrorIs(t, VerifyMerchant("create_plan", state.MerchantAddress(testPayer), authority), errors.ErrBadDerivation)
}

func TestSigners(t *testing.T) {
	a, b := ledger.KeyFromSeed("a"), ledger.KeyFromSeed("b")
	assert.NoError(t, RequireSigner("close", a, a))
	assert.ErrorIs(t, RequireSigner("close", b, a), errors.ErrUnauthorized)
	assert.ErrorIs(t, RequireSigner("close", ledger.ZeroAddress, ledger.ZeroAddress), errors.ErrUnauthorized)
	assert.NoError(t, RequireAnySigner("update", b, a, b))
	assert.ErrorIs(t, RequireAnySigner("update", ledger.KeyFromSeed("c"), a, b), errors.ErrUnauthorized)
}

func TestTrialDuration(t *testing.T) {
	for _, d := range TrialDurations {
		assert.NoError(t, TrialDuration("start", d))
	}
	assert.ErrorIs(t, TrialDuration("start", 86_400), errors.ErrInvalidPlan)
}
