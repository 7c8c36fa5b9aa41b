package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tallypay/tally/internal/state"
)

// Sink receives committed event records.
type Sink interface {
	Deliver(ctx context.Context, records []Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, records []Record) error

func (f SinkFunc) Deliver(ctx context.Context, records []Record) error {
	return f(ctx, records)
}

// Multi fans records out to every sink. A failing sink is logged and does
// not stop delivery to the others.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *Multi) Deliver(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, records); err != nil {
			log.Error().Err(err).Int("records", len(records)).Msg("Event sink delivery failed")
		}
	}
	return nil
}

// Recorder keeps every delivered record in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Deliver(_ context.Context, records []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

// Records returns a copy of what has been delivered so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Kinds returns the kinds delivered so far, in order.
func (r *Recorder) Kinds() []Kind {
	records := r.Records()
	kinds := make([]Kind, len(records))
	for i, rec := range records {
		kinds[i] = rec.Kind
	}
	return kinds
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

// LogSink writes one structured log line per event.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, records []Record) error {
	for _, rec := range records {
		level := zerolog.InfoLevel
		if IsDiagnostic(rec.Event) {
			level = zerolog.WarnLevel
		}
		ev := log.WithLevel(level).
			Str("event", string(rec.Kind)).
			Str("eventID", rec.ID).
			Str("instruction", rec.Instruction)
		describe(ev, rec.Event).Msg("Protocol event")
	}
	return nil
}

func describe(ev *zerolog.Event, e Event) *zerolog.Event {
	switch e := e.(type) {
	case ConfigInitialized:
		return ev.Stringer("authority", e.PlatformAuthority).Uint16("keeperFeeBps", e.KeeperFeeBps)
	case ConfigUpdated:
		return ev.Strs("fields", e.Fields).Uint64("version", e.Version)
	case ProgramPaused:
		return ev.Stringer("authority", e.Authority)
	case ProgramUnpaused:
		return ev.Stringer("authority", e.Authority)
	case AuthorityTransferProposed:
		return ev.Stringer("current", e.Current).Stringer("proposed", e.Proposed)
	case AuthorityTransferAccepted:
		return ev.Stringer("previous", e.Previous).Stringer("current", e.Current)
	case AuthorityTransferCanceled:
		return ev.Stringer("authority", e.Authority).Stringer("withdrawn", e.Withdrawn)
	case FeesWithdrawn:
		return ev.Stringer("destination", e.Destination).Str("amount", usdc(e.Amount))
	case MerchantInitialized:
		return ev.Stringer("merchant", e.Merchant).Stringer("treasury", e.Treasury)
	case MerchantTierChanged:
		return ev.Stringer("merchant", e.Merchant).Stringer("oldTier", e.OldTier).Stringer("newTier", e.NewTier)
	case VolumeTierUpgraded:
		return ev.Stringer("merchant", e.Merchant).Stringer("newTier", e.NewTier).Str("monthlyVolume", usdc(e.MonthlyVolume))
	case PlanCreated:
		return ev.Stringer("plan", e.Plan).Str("planID", e.PlanID).Str("amount", usdc(e.Amount))
	case PlanTermsUpdated:
		return ev.Stringer("plan", e.Plan).Stringer("updatedBy", e.UpdatedBy)
	case PlanStatusChanged:
		return ev.Stringer("plan", e.Plan).Bool("active", e.Active)
	case Subscribed:
		return ev.Stringer("subscription", e.Subscription).Str("amount", usdc(e.Amount)).Bool("trial", e.TrialEndsAt != nil)
	case SubscriptionReactivated:
		return ev.Stringer("subscription", e.Subscription).Uint32("renewals", e.TotalRenewals)
	case Renewed:
		return ev.Stringer("subscription", e.Subscription).Str("amount", usdc(e.Amount)).
			Str("keeperFee", usdc(e.Split.Keeper)).Uint32("renewals", e.RenewalCount)
	case TrialConverted:
		return ev.Stringer("subscription", e.Subscription)
	case Canceled:
		return ev.Stringer("subscription", e.Subscription).Bool("revoked", e.Revoked)
	case SubscriptionClosed:
		return ev.Stringer("subscription", e.Subscription).Uint64("refunded", e.Refunded)
	case LowAllowanceWarning:
		return ev.Stringer("payer", e.Payer).Str("allowance", usdc(e.CurrentAllowance)).Str("recommended", usdc(e.RecommendedAllowance))
	case DelegateMismatchWarning:
		return ev.Stringer("payer", e.Payer).Stringer("expected", e.ExpectedDelegate).Bool("revoked", e.ActualDelegate == nil)
	default:
		panic("events: unhandled event variant " + string(e.Kind()))
	}
}

func usdc(amount uint64) string {
	return state.FormatAmount(amount, state.USDCDecimals)
}
