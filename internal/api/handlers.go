package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/utils"
	"github.com/tallypay/tally/pkg/ledger"
)

const maxEventPage = 1000

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptimeSeconds"`
}

type configResponse struct {
	state.Config
	Address              ledger.Address `json:"address"`
	PlatformTreasury     ledger.Address `json:"platformTreasury"`
	MaxWithdrawalDisplay string         `json:"maxWithdrawalDisplay"`
}

type merchantResponse struct {
	state.Merchant
	FeeBps               uint16 `json:"feeBps"`
	MonthlyVolumeDisplay string `json:"monthlyVolumeDisplay"`
}

type planResponse struct {
	state.Plan
	AmountDisplay string `json:"amountDisplay"`
}

type subscriptionResponse struct {
	state.Subscription
	Status            state.Status `json:"status"`
	LastAmountDisplay string       `json:"lastAmountDisplay"`
}

type eventsResponse struct {
	Events []events.Record `json:"events"`
	Next   string          `json:"next,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.reader.Config(r.Context())
	if err != nil {
		writeLookupError(w, err, "config")
		return
	}
	s.writeJSON(w, configResponse{
		Config:               cfg,
		Address:              state.ConfigAddress(),
		PlatformTreasury:     cfg.PlatformTreasury(),
		MaxWithdrawalDisplay: state.FormatAmount(cfg.MaxWithdrawalAmount, state.USDCDecimals),
	})
}

func (s *Server) handleMerchant(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	m, err := s.reader.Merchant(r.Context(), addr)
	if err != nil {
		writeLookupError(w, err, "merchant")
		return
	}
	s.writeJSON(w, newMerchantResponse(m))
}

func (s *Server) handleMerchantPlans(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	if _, err := s.reader.Merchant(r.Context(), addr); err != nil {
		writeLookupError(w, err, "merchant")
		return
	}
	plans, err := s.reader.Plans(r.Context(), addr)
	if err != nil {
		writeLookupError(w, err, "plans")
		return
	}
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, newPlanResponse(p))
	}
	s.writeJSON(w, out)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	p, err := s.reader.Plan(r.Context(), addr)
	if err != nil {
		writeLookupError(w, err, "plan")
		return
	}
	s.writeJSON(w, newPlanResponse(p))
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	sub, err := s.reader.Subscription(r.Context(), addr)
	if err != nil {
		writeLookupError(w, err, "subscription")
		return
	}
	s.writeJSON(w, subscriptionResponse{
		Subscription:      sub,
		Status:            sub.Status(),
		LastAmountDisplay: state.FormatAmount(sub.LastAmount, state.USDCDecimals),
	})
}

func (s *Server) handleSubscriptionCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reader.SubscriptionCounts(r.Context())
	if err != nil {
		writeLookupError(w, err, "subscription counts")
		return
	}
	out := map[state.Status]int{
		state.StatusTrialing: counts[state.StatusTrialing],
		state.StatusActive:   counts[state.StatusActive],
		state.StatusPaused:   counts[state.StatusPaused],
	}
	s.writeJSON(w, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventPage {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_limit",
				"limit must be between 1 and "+strconv.Itoa(maxEventPage), nil)
			return
		}
		limit = n
	}

	records, err := s.journal.List(r.Context(), q.Get("after"), limit)
	if err != nil {
		writeLookupError(w, err, "events")
		return
	}
	resp := eventsResponse{Events: records}
	if resp.Events == nil {
		resp.Events = []events.Record{}
	}
	if len(records) == limit {
		resp.Next = records[len(records)-1].ID
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := utils.WriteJSONResponse(w, v); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func addressParam(w http.ResponseWriter, r *http.Request) (ledger.Address, bool) {
	raw := chi.URLParam(r, "address")
	addr, err := ledger.ParseAddress(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "Invalid address",
			map[string]string{"address": raw})
		return ledger.Address{}, false
	}
	return addr, true
}

func newMerchantResponse(m state.Merchant) merchantResponse {
	return merchantResponse{
		Merchant:             m,
		FeeBps:               m.VolumeTier.FeeBps(),
		MonthlyVolumeDisplay: state.FormatAmount(m.MonthlyVolume, state.USDCDecimals),
	}
}

func newPlanResponse(p state.Plan) planResponse {
	return planResponse{
		Plan:          p,
		AmountDisplay: state.FormatAmount(p.Amount, state.USDCDecimals),
	}
}
