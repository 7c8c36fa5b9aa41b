package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallypay/tally/internal/settlement"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

func addr(seed string) ledger.Address {
	return ledger.KeyFromSeed(seed)
}

func sampleRenewed() Renewed {
	return Renewed{
		Merchant:     addr("merchant"),
		Plan:         addr("plan"),
		Subscription: addr("sub"),
		Payer:        addr("payer"),
		Amount:       100_000_000,
		Keeper:       addr("keeper"),
		Split:        settlement.Split{Gross: 100_000_000, Keeper: 250_000, Platform: 1_995_000, Payee: 97_755_000},
		RenewalCount: 11,
		NextDueTs:    1_700_000_000,
	}
}

func TestEveryKindHasAVariant(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, kind := range AllKinds() {
		if seen[kind] {
			t.Fatalf("kind %q listed twice", kind)
		}
		seen[kind] = true

		e, ok := New(kind)
		if !ok {
			t.Fatalf("New(%q) has no variant", kind)
		}
		if e.Kind() != kind {
			t.Fatalf("New(%q).Kind() = %q", kind, e.Kind())
		}

		// Every variant must be describable without panicking.
		decoded, err := DecodePayload(kind, mustEncode(t, e))
		require.NoError(t, err)
		rec := NewRecord("ins", "test", time.Unix(1_700_000_000, 0), decoded)
		require.NoError(t, LogSink{}.Deliver(context.Background(), []Record{rec}))
	}
	assert.Len(t, seen, 22)

	_, ok := New("bogus")
	assert.False(t, ok)
}

func mustEncode(t *testing.T, e Event) []byte {
	t.Helper()
	b, err := EncodePayload(e)
	require.NoError(t, err)
	return b
}

func TestIsDiagnostic(t *testing.T) {
	assert.True(t, IsDiagnostic(LowAllowanceWarning{}))
	assert.True(t, IsDiagnostic(&DelegateMismatchWarning{}))
	assert.False(t, IsDiagnostic(sampleRenewed()))
	assert.False(t, IsDiagnostic(Canceled{}))
}

func TestParseKindAcceptsLegacyNames(t *testing.T) {
	k, ok := ParseKind("PaymentExecuted")
	require.True(t, ok)
	assert.Equal(t, KindRenewed, k)

	k, ok = ParseKind("renewed")
	require.True(t, ok)
	assert.Equal(t, KindRenewed, k)

	_, ok = ParseKind("PaymentRefunded")
	assert.False(t, ok)
}

func TestRecordJSONKeepsVariant(t *testing.T) {
	actual := addr("other")
	rec := NewRecord("ins-1", "renew", time.Unix(1_700_000_000, 42), DelegateMismatchWarning{
		Payer:            addr("payer"),
		ExpectedDelegate: addr("delegate"),
		ActualDelegate:   &actual,
	})

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))

	w, ok := got.Event.(DelegateMismatchWarning)
	require.True(t, ok, "decoded %T", got.Event)
	require.NotNil(t, w.ActualDelegate)
	assert.Equal(t, actual, *w.ActualDelegate)
}

func TestRecordIDsAreOrdered(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := NewRecord("i", "op", base, Canceled{})
	b := NewRecord("i", "op", base.Add(time.Millisecond), Canceled{})
	assert.Less(t, a.ID, b.ID)
}

func TestPayloadEncodingIsDeterministic(t *testing.T) {
	first := mustEncode(t, sampleRenewed())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, mustEncode(t, sampleRenewed()))
	}
	e, err := DecodePayload(KindRenewed, first)
	require.NoError(t, err)
	assert.Equal(t, sampleRenewed(), e)
}

type failingSink struct{ calls int }

func (f *failingSink) Deliver(context.Context, []Record) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiContinuesPastFailingSink(t *testing.T) {
	bad := &failingSink{}
	rec := &Recorder{}
	m := NewMulti(bad, rec)

	records := []Record{NewRecord("i", "renew", time.Now(), sampleRenewed())}
	require.NoError(t, m.Deliver(context.Background(), records))
	require.NoError(t, m.Deliver(context.Background(), nil))

	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, []Kind{KindRenewed}, rec.Kinds())

	rec.Reset()
	assert.Empty(t, rec.Records())
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSSinkPublishesPerKind(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub)
	now := time.Unix(1_700_000_000, 0)

	err := sink.Deliver(context.Background(), []Record{
		NewRecord("i", "renew", now, TrialConverted{Subscription: addr("sub")}),
		NewRecord("i", "renew", now, sampleRenewed()),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tally.events.trial_converted", "tally.events.renewed"}, pub.subjects)

	var got Record
	require.NoError(t, json.Unmarshal(pub.payloads[1], &got))
	assert.Equal(t, sampleRenewed(), got.Event)

	pub.err = errors.New("no responders")
	err = sink.Deliver(context.Background(), []Record{NewRecord("i", "renew", now, sampleRenewed())})
	assert.Error(t, err)
}

func TestFormatAmountInLogs(t *testing.T) {
	assert.Equal(t, "100.00", usdc(100_000_000))
	assert.Equal(t, "0.25", usdc(250_000))
	assert.Equal(t, state.FormatAmount(1, state.USDCDecimals), usdc(1))
}
