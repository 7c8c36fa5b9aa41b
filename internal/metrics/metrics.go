package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/keeper"
	"github.com/tallypay/tally/internal/settlement"
	"github.com/tallypay/tally/internal/state"
)

var (
	// Instruction metrics
	InstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_instructions_total",
			Help: "Total number of instructions by operation and outcome",
		},
		[]string{"op", "outcome"}, // outcome: ok or the error kind
	)

	InstructionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_instruction_duration_seconds",
			Help:    "Time spent executing an instruction, including commit",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
		},
		[]string{"op"},
	)

	// Settlement metrics
	SettledAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_settled_amount_total",
			Help: "Total base units settled by leg",
		},
		[]string{"leg"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_events_total",
			Help: "Total number of events delivered by kind",
		},
		[]string{"kind"},
	)

	// Keeper metrics
	KeeperRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_keeper_renewals_total",
			Help: "Total keeper renewal attempts by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_api_requests_total",
			Help: "Total number of query API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_api_request_duration_seconds",
			Help:    "Query API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	Subscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_subscriptions",
			Help: "Number of subscriptions by state",
		},
		[]string{"state"},
	)
)

// RecordInstruction records the outcome and duration of one instruction.
func RecordInstruction(op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(errors.KindOf(err))
	}
	InstructionsTotal.WithLabelValues(op, outcome).Inc()
	InstructionDurationSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordSettlement adds each leg of a settled split.
func RecordSettlement(split settlement.Split) {
	for _, leg := range split.Legs() {
		SettledAmountTotal.WithLabelValues(string(leg.Kind)).Add(float64(leg.Amount))
	}
}

// RecordEvent counts one delivered event.
func RecordEvent(kind events.Kind) {
	EventsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordKeeperRenewal counts one keeper renewal attempt.
func RecordKeeperRenewal(result keeper.Result) {
	KeeperRenewalsTotal.WithLabelValues(string(result)).Inc()
}

// RecordAPIRequest records one served query API request. route is the
// matched pattern, never the raw path.
func RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetSubscriptionCounts replaces the subscription gauges. States missing
// from counts are reported as zero.
func SetSubscriptionCounts(counts map[state.Status]int) {
	for _, s := range []state.Status{state.StatusTrialing, state.StatusActive, state.StatusPaused} {
		Subscriptions.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Recorder adapts the package functions to the observer interfaces of the
// controller, the keeper and the event pipeline.
type Recorder struct{}

func (Recorder) ObserveInstruction(op string, err error, elapsed time.Duration) {
	RecordInstruction(op, err, elapsed)
}

func (Recorder) ObserveSettlement(split settlement.Split) { RecordSettlement(split) }

func (Recorder) ObserveKeeperRenewal(result keeper.Result) { RecordKeeperRenewal(result) }

func (Recorder) Deliver(_ context.Context, records []events.Record) error {
	for _, rec := range records {
		RecordEvent(rec.Kind)
	}
	return nil
}

// SubscriptionCounter reports subscription counts by state.
type SubscriptionCounter interface {
	SubscriptionCounts(ctx context.Context) (map[state.Status]int, error)
}

// RunSubscriptionGauge refreshes the subscription gauges every interval
// until ctx ends.
func RunSubscriptionGauge(ctx context.Context, counter SubscriptionCounter, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		counts, err := counter.SubscriptionCounts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to refresh subscription gauges")
			}
			return
		}
		SetSubscriptionCounts(counts)
	}

	refresh()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return nil
		}
	}
}
