package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/courier-ledger/internal/analytics"
)

// DailyStats возвращает агрегаты за день из параметра date (YYYY-MM-DD), по умолчанию за сегодня.
func (h *Handler) DailyStats(w http.ResponseWriter, r *http.Request) {
	var date time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := analytics.ParseDay(v, h.analytics.Location())
		if err != nil {
			http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = d
	}

	stats, err := h.analytics.DailyStats(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err, "daily stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Leaderboard возвращает таблицу лидеров водителей.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.analytics.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err, "leaderboard")
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}
