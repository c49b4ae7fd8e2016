package pnlhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pnl/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
)

// ProfitService computes P&L reports.
type ProfitService interface {
	ComputeProfit(ctx context.Context, params pnl.Params) (pnl.Report, error)
}

// Handler serves the P&L report as JSON.
type Handler struct {
	logger  *slog.Logger
	service ProfitService
}

// NewHandler constructs the P&L HTTP handler.
func NewHandler(logger *slog.Logger, service ProfitService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	params, err := parseParams(r)
	if err != nil {
		httpx.RespondError(w, err, pnl.ErrComputationFailed.Error())
		return
	}

	report, err := h.service.ComputeProfit(r.Context(), params)
	if err != nil {
		h.logger.Error("pnl report failed", slog.Any("error", err), slog.String("query", r.URL.RawQuery))
		httpx.RespondError(w, err, pnl.ErrComputationFailed.Error(), pnl.ErrInvalidParams)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// parseParams reads the query string. Empty values leave the service defaults in place.
func parseParams(r *http.Request) (pnl.Params, error) {
	q := r.URL.Query()
	var (
		params pnl.Params
		err    error
	)
	if params.Start, err = parseDate("start", q.Get("start")); err != nil {
		return pnl.Params{}, err
	}
	if params.End, err = parseDate("end", q.Get("end")); err != nil {
		return pnl.Params{}, err
	}
	params.Group = pnl.Granularity(strings.ToLower(strings.TrimSpace(q.Get("group"))))
	params.Dimension = pnl.Dimension(strings.ToLower(strings.TrimSpace(q.Get("dimension"))))
	params.RefundAttribution = pnl.RefundAttribution(strings.ToLower(strings.TrimSpace(q.Get("refundAttribution"))))

	if raw := strings.TrimSpace(q.Get("paidOnly")); raw != "" {
		paid, err := strconv.ParseBool(raw)
		if err != nil {
			return pnl.Params{}, fmt.Errorf("%w: paidOnly must be a boolean", httpx.ErrBadRequest)
		}
		params.PaidOnly = &paid
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return pnl.Params{}, fmt.Errorf("%w: limit must be an integer", httpx.ErrBadRequest)
		}
		params.Limit = limit
	}
	return params, nil
}

func parseDate(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", httpx.ErrBadRequest, name)
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD or RFC3339", httpx.ErrBadRequest, name)
}
