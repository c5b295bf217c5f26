package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/counter"
	"github.com/mohammadhprp/ratelimiting/internal/rules"
)

// RuleResponse describes one registered rule.
type RuleResponse struct {
	Position int    `json:"position"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

// CounterResponse is the state of a throttle counter in the current window.
type CounterResponse struct {
	Rule          string `json:"rule"`
	Discriminator string `json:"discriminator"`
	Count         int64  `json:"count"`
	Limit         int64  `json:"limit"`
	PeriodSeconds int64  `json:"period_seconds"`
	Remaining     int64  `json:"remaining"`
	ResetAt       int64  `json:"reset_at"` // Unix timestamp
}

// AdmissionHandler exposes the configured rules and throttle counters.
type AdmissionHandler struct {
	registry *rules.Registry
	counter  *counter.Counter
	logger   *zap.Logger
}

// NewAdmissionHandler creates a new admission handler
func NewAdmissionHandler(registry *rules.Registry, c *counter.Counter, logger *zap.Logger) *AdmissionHandler {
	return &AdmissionHandler{
		registry: registry,
		counter:  c,
		logger:   logger,
	}
}

// Rules handles GET /admission/rules - list rules in evaluation order
func (h *AdmissionHandler) Rules() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := h.registry.Rules()
		resp := make([]RuleResponse, 0, len(all))
		for i, rule := range all {
			resp = append(resp, RuleResponse{
				Position: i,
				Kind:     rule.Kind().String(),
				Name:     rule.Name(),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Counter handles GET /admission/counters/{rule}?discriminator=... - read a
// throttle counter without charging it. The discriminator travels in the query
// since path and ip_path discriminators contain slashes. The optional period
// query parameter overrides the rule's own period.
func (h *AdmissionHandler) Counter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["rule"]
		discriminator := r.URL.Query().Get("discriminator")

		rule, ok := h.registry.Throttle(name)
		if !ok {
			writeError(w, http.StatusNotFound, "throttle rule not found")
			return
		}
		if discriminator == "" {
			writeError(w, http.StatusBadRequest, "discriminator is required")
			return
		}

		req := rules.FromHTTP(r)

		period, err := h.period(r, rule, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		limit, err := rule.Limit(r.Context(), req)
		if err != nil {
			h.logger.Error("failed to compute limit", zap.String("rule", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to compute limit")
			return
		}

		count, window, err := h.counter.Peek(r.Context(), rule.Key(discriminator), period)
		if err != nil {
			if errors.Is(err, counter.ErrInvalidPeriod) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			h.logger.Error("failed to read counter", zap.String("rule", name), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
			return
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}

		writeJSON(w, http.StatusOK, CounterResponse{
			Rule:          name,
			Discriminator: discriminator,
			Count:         count,
			Limit:         limit,
			PeriodSeconds: window.Seconds,
			Remaining:     remaining,
			ResetAt:       window.ResetAt.Unix(),
		})
	}
}

func (h *AdmissionHandler) period(r *http.Request, rule *rules.ThrottleRule, req *rules.Request) (time.Duration, error) {
	if raw := r.URL.Query().Get("period"); raw != "" {
		period, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.New("invalid period")
		}
		return period, nil
	}
	return rule.Period(r.Context(), req)
}
