package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Novexpro/Novexpro-sub000/internal/hub"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/settlement"
)

const (
	refreshTimeout      = 15 * time.Second
	defaultSettleWindow = 30 // days
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	if err := h.DB.Ping(ctx); err != nil {
		health.Status = "unhealthy"
		health.Components["database"] = map[string]string{
			"status": "disconnected",
			"error":  err.Error(),
		}
	} else {
		health.Components["database"] = "connected"
	}

	pollers := make(map[string]any, len(h.Pollers))
	for _, p := range h.Pollers {
		st := p.State()
		entry := map[string]any{
			"consecutive_failures": st.ConsecutiveFailures,
			"interval":             st.Interval.String(),
		}
		if !st.LastSuccessAt.IsZero() {
			entry["last_success_at"] = st.LastSuccessAt
		}
		if st.LastError != "" {
			entry["last_error"] = st.LastError
		}
		if st.Degraded() {
			entry["degraded"] = true
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		pollers[string(st.Feed)] = entry
	}
	health.Components["pollers"] = pollers

	if h.Pending != nil {
		n := h.Pending()
		health.Components["pending_writes"] = n
		if n > 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *handlers) listQuotes(w http.ResponseWriter, r *http.Request) {
	all := h.Hub.All()
	quotes := make([]model.PriceQuote, 0, len(all))
	for _, q := range all {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Feed < quotes[j].Feed })
	writeJSON(w, http.StatusOK, quotes)
}

func (h *handlers) getQuote(w http.ResponseWriter, r *http.Request) {
	feed, err := model.ParseFeedID(chi.URLParam(r, "feed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, ok := h.Hub.GetLatest(feed)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", feed, model.ErrNoData))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	feed, err := model.ParseFeedID(chi.URLParam(r, "feed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	q, err := h.Hub.RequestRefresh(ctx, feed)
	switch {
	case errors.Is(err, model.ErrNoData):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, q)
	}
}

func (h *handlers) spread(w http.ResponseWriter, r *http.Request) {
	near, far := model.FuturesMonth1, model.FuturesMonth2
	var err error
	if v := r.URL.Query().Get("near"); v != "" {
		if near, err = model.ParseFeedID(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if v := r.URL.Query().Get("far"); v != "" {
		if far, err = model.ParseFeedID(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	s, err := h.Hub.Spread(near, far)
	switch {
	case errors.Is(err, hub.ErrNotFutures):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrNoData):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, struct {
			NearFeed model.FeedID `json:"near_feed"`
			FarFeed  model.FeedID `json:"far_feed"`
			settlement.Spread
		}{near, far, s})
	}
}

func (h *handlers) settlements(w http.ResponseWriter, r *http.Request) {
	to := model.DateOf(h.now(), h.Location)
	from := to.AddDate(0, 0, -defaultSettleWindow)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = model.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = model.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("to: %w", err))
			return
		}
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, errors.New("from is after to"))
		return
	}

	recs, err := h.DB.ListSettlements(r.Context(), from, to)
	if err != nil {
		h.Logger.Error("list settlements failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("settlements unavailable"))
		return
	}
	if recs == nil {
		recs = []model.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
