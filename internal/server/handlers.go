package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"llmgate/internal/core"
	"llmgate/internal/gateway"
	"llmgate/internal/usage"
)

// Handler holds the HTTP-facing endpoints. The usage store may be nil when
// usage tracking is disabled; the summary endpoint then returns an empty
// summary rather than an error.
type Handler struct {
	gw     *gateway.Gateway
	store  usage.Store
	logger *slog.Logger
}

func NewHandler(gw *gateway.Gateway, store usage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gw: gw, store: store, logger: logger}
}

// ChatCompletion serves POST /v1/chat/completions for both streaming and
// non-streaming requests.
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body", err))
	}
	if len(req.Messages) == 0 {
		return handleError(c, core.NewInvalidRequestError("messages must not be empty", nil))
	}

	opts := gateway.Options{
		Messages:    req.Messages,
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		UserID:      c.Request().Header.Get("X-User-ID"),
		Endpoint:    c.Path(),
	}

	ctx := c.Request().Context()

	if req.Stream {
		out, err := h.gw.Stream(ctx, opts)
		if err != nil {
			return handleError(c, err)
		}
		defer out.Body.Close()

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.Header().Set(echo.HeaderXRequestID, out.RequestID)
		res.WriteHeader(http.StatusOK)

		// Headers are committed; errors from here on can only be logged.
		if err := copyFlush(res, out.Body); err != nil {
			h.logger.Warn("stream copy aborted",
				slog.String("request_id", out.RequestID),
				slog.String("error", err.Error()))
		}
		return nil
	}

	resp, err := h.gw.Generate(ctx, opts)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// copyFlush relays the upstream byte stream chunk by chunk, flushing after
// every write so SSE events reach the client as they arrive.
func copyFlush(dst *echo.Response, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			dst.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// UsageSummary serves GET /v1/usage/summary. Query parameters start_date and
// end_date accept either YYYY-MM-DD or RFC 3339 timestamps; user_id filters
// to a single caller.
func (h *Handler) UsageSummary(c echo.Context) error {
	var params usage.SummaryParams

	start, ok, err := parseTimeParam(c.QueryParam("start_date"), false)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid start_date", err))
	}
	if ok {
		params.Start = start
	}
	end, ok, err := parseTimeParam(c.QueryParam("end_date"), true)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid end_date", err))
	}
	if ok {
		params.End = end
	}
	params.UserID = c.QueryParam("user_id")

	if h.store == nil {
		return c.JSON(http.StatusOK, usage.NewSummary())
	}
	summary, err := h.store.Summarize(c.Request().Context(), params)
	if err != nil {
		h.logger.Warn("usage summary query failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusOK, usage.NewSummary())
	}
	return c.JSON(http.StatusOK, summary)
}

// parseTimeParam accepts a date or timestamp. A bare date used as a range end
// is extended to the end of that day so the day itself stays included.
func parseTimeParam(raw string, endOfDay bool) (time.Time, bool, error) {
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if endOfDay {
			t = t.Add(24 * time.Hour)
		}
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Health serves GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": h.gw.Providers(),
	})
}

func handleError(c echo.Context, err error) error {
	var gerr *core.GatewayError
	if errors.As(err, &gerr) {
		return c.JSON(gerr.HTTPStatusCode(), gerr.ToJSON())
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": err.Error(),
		},
	})
}
