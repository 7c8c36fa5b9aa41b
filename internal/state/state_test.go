package state

import (
	"encoding/json"
	"testing"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/pkg/ledger"
)

func TestTierForVolume(t *testing.T) {
	tests := []struct {
		volume uint64
		want   VolumeTier
		bps    uint16
	}{
		{0, TierStandard, 25},
		{GrowthTierThreshold - 1, TierStandard, 25},
		{GrowthTierThreshold, TierGrowth, 20},
		{ScaleTierThreshold - 1, TierGrowth, 20},
		{ScaleTierThreshold, TierScale, 15},
	}
	for _, tt := range tests {
		got := TierForVolume(tt.volume)
		if got != tt.want || got.FeeBps() != tt.bps {
			t.Fatalf("volume %d: expected %s/%d, got %s/%d", tt.volume, tt.want, tt.bps, got, got.FeeBps())
		}
	}
}

func TestVolumeTierJSON(t *testing.T) {
	data, err := json.Marshal(TierGrowth)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"growth"` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var tier VolumeTier
	if err := json.Unmarshal([]byte(`"scale"`), &tier); err != nil || tier != TierScale {
		t.Fatalf("expected scale, got %v (%v)", tier, err)
	}
	if err := json.Unmarshal([]byte(`"platinum"`), &tier); err == nil {
		t.Fatal("expected unknown tier to fail")
	}
}

func TestDerivedAddressesAreDistinct(t *testing.T) {
	authority := ledger.KeyFromSeed("merchant-authority")
	merchant := MerchantAddress(authority)
	id, _ := PadName("pro-monthly")
	plan := PlanAddress(merchant, id)
	payer := ledger.KeyFromSeed("payer")

	seen := map[ledger.Address]string{}
	for name, addr := range map[string]ledger.Address{
		"config":          ConfigAddress(),
		"merchant":        merchant,
		"plan":            plan,
		"subscription":    SubscriptionAddress(plan, payer),
		"globalDelegate":  DelegateAddress(DelegateGlobal, merchant),
		"merchantDelgate": DelegateAddress(DelegateMerchant, merchant),
	} {
		if other, dup := seen[addr]; dup {
			t.Fatalf("%s collides with %s", name, other)
		}
		seen[addr] = name
	}

	if DelegateAddress(DelegateGlobal, merchant) != DelegateAddress(DelegateGlobal, ledger.ZeroAddress) {
		t.Fatal("global delegate must not depend on the merchant")
	}
}

func TestNewPlanValidation(t *testing.T) {
	cfg := baseConfig(t)
	merchant := MerchantAddress(ledger.KeyFromSeed("m"))
	valid := CreatePlanArgs{PlanID: "pro", Name: "Pro", Amount: 10_000_000, PeriodSeconds: 30 * 86_400, GraceSeconds: 3 * 86_400}

	tests := []struct {
		name   string
		mutate func(*CreatePlanArgs)
	}{
		{"empty id", func(a *CreatePlanArgs) { a.PlanID = "" }},
		{"long id", func(a *CreatePlanArgs) { a.PlanID = "0123456789abcdef0123456789abcdefX" }},
		{"empty name", func(a *CreatePlanArgs) { a.Name = "" }},
		{"zero amount", func(a *CreatePlanArgs) { a.Amount = 0 }},
		{"amount above cap", func(a *CreatePlanArgs) { a.Amount = MaxPlanPrice + 1 }},
		{"period below minimum", func(a *CreatePlanArgs) { a.PeriodSeconds = cfg.MinPeriodSeconds - 1 }},
		{"grace above 30 percent", func(a *CreatePlanArgs) { a.GraceSeconds = 9*86_400 + 1 }},
		{"grace above platform cap", func(a *CreatePlanArgs) {
			a.PeriodSeconds = 365 * 86_400
			a.GraceSeconds = cfg.MaxGracePeriodSeconds + 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := valid
			tt.mutate(&args)
			if _, err := NewPlan(cfg, merchant, args); !errors.Is(err, errors.ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}

	plan, err := NewPlan(cfg, merchant, valid)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if !plan.Active || plan.PlanID.String() != "pro" || plan.Name.String() != "Pro" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.Address != PlanAddress(merchant, plan.PlanID) {
		t.Fatal("plan address must be derived from merchant and id")
	}
}

func TestApplyTermsChecksEffectivePair(t *testing.T) {
	cfg := baseConfig(t)
	plan, err := NewPlan(cfg, MerchantAddress(ledger.KeyFromSeed("m")), CreatePlanArgs{
		PlanID: "pro", Name: "Pro", Amount: 10_000_000, PeriodSeconds: 30 * 86_400, GraceSeconds: 5 * 86_400,
	})
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	if _, err := plan.ApplyTerms(cfg, PlanTermsUpdate{}); !errors.Is(err, errors.ErrInvalidPlan) {
		t.Fatalf("expected empty update to fail, got %v", err)
	}

	// Shrinking the period would leave the existing grace above 30%.
	shorter := uint64(7 * 86_400)
	if _, err := plan.ApplyTerms(cfg, PlanTermsUpdate{PeriodSeconds: &shorter}); !errors.Is(err, errors.ErrInvalidPlan) {
		t.Fatalf("expected grace/period conflict, got %v", err)
	}

	grace := uint64(86_400)
	name := "Pro Weekly"
	next, err := plan.ApplyTerms(cfg, PlanTermsUpdate{PeriodSeconds: &shorter, GraceSeconds: &grace, Name: &name})
	if err != nil {
		t.Fatalf("ApplyTerms: %v", err)
	}
	if next.PeriodSeconds != shorter || next.GraceSeconds != grace || next.Name.String() != name {
		t.Fatalf("unexpected plan %+v", next)
	}
	if plan.PeriodSeconds != 30*86_400 {
		t.Fatal("ApplyTerms must not modify the receiver")
	}
}

func TestFormatAndParseAmount(t *testing.T) {
	tests := []struct {
		amount uint64
		want   string
	}{
		{10_000_000, "10.00"},
		{97_755_000, "97.755"},
		{1, "0.000001"},
		{0, "0.00"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.amount, USDCDecimals); got != tt.want {
			t.Fatalf("FormatAmount(%d) = %q, want %q", tt.amount, got, tt.want)
		}
	}

	got, err := ParseAmount("12.5", USDCDecimals)
	if err != nil || got != 12_500_000 {
		t.Fatalf("ParseAmount: got %d, %v", got, err)
	}
	for _, bad := range []string{"-1", "0.0000001", "abc"} {
		if _, err := ParseAmount(bad, USDCDecimals); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestSubscriptionStatus(t *testing.T) {
	if (Subscription{Active: true, InTrial: true}).Status() != StatusTrialing {
		t.Fatal("expected trialing")
	}
	if (Subscription{Active: true}).Status() != StatusActive {
		t.Fatal("expected active")
	}
	if (Subscription{InTrial: true}).Status() != StatusPaused {
		t.Fatal("expected paused")
	}
}

func TestAliasesOf(t *testing.T) {
	if got := AliasesOf("subscription"); len(got) != 1 || got[0] != "payment_agreement" {
		t.Fatalf("AliasesOf(subscription) = %v", got)
	}
	if got := AliasesOf("config"); len(got) != 0 {
		t.Fatalf("AliasesOf(config) = %v", got)
	}
}
