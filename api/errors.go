package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Mudityadev/charles-map/dispatch"
)

// statusFor maps the dispatch error taxonomy to an HTTP status and a
// machine-readable code.
func statusFor(err error) (int, string) {
	var subErr *dispatch.SubmissionError
	switch {
	case errors.Is(err, dispatch.ErrUpgradeRequired):
		return http.StatusPaymentRequired, "upgrade_required"
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &subErr):
		if subErr.Err != nil && subErr.Field == "" {
			// Broker failure while enqueuing.
			return http.StatusServiceUnavailable, "queue_unavailable"
		}
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, dispatch.ErrJobNotFound),
		errors.Is(err, dispatch.ErrUnknownFamily):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dispatch.ErrQueueNotServed):
		return http.StatusServiceUnavailable, "queue_not_served"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// HTTPErrorHandler renders every error as {"error": {"code", "message"}}.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			code    int
			errCode string
			message string
			field   string
		)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code, errCode = he.Code, codeFor(he.Code)
			message = http.StatusText(code)
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		} else {
			code, errCode = statusFor(err)
			message = err.Error()
			var subErr *dispatch.SubmissionError
			if errors.As(err, &subErr) {
				field = subErr.Field
			}
		}

		if code >= http.StatusInternalServerError {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("error", err.Error()),
			)
			if code == http.StatusInternalServerError {
				message = "An internal error occurred"
			}
		}

		body := map[string]any{
			"code":    errCode,
			"message": message,
		}
		if field != "" {
			body["field"] = field
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]any{"error": body})
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return "invalid_request"
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
