package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/matching"
	"github.com/spigell/qcs-matcher/internal/qcs"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) score(c echo.Context) error {
	var req qcs.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	req.RequestID = requestID(c)

	resp, err := s.scorer.Score(c.Request().Context(), req)
	switch {
	case errors.Is(err, qcs.ErrProfileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	case errors.Is(err, qcs.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusInternalServerError, "profile store unavailable").SetInternal(err)
	case err != nil:
		logger.WithRequest(s.logger, req.UserID, req.RequestID).
			Error("scoring failed, serving fallback", zap.Error(err))
		return c.JSON(http.StatusOK, s.scorer.Fallback(req.RequestID))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) matches(c echo.Context) error {
	userID := c.Param("userID")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	res, err := s.matcher.Find(c.Request().Context(), userID, limit)
	switch {
	case errors.Is(err, matching.ErrProfileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "matching failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, res)
}

// observe logs and counts every request once the error handler has run.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		elapsed := time.Since(start)

		req, res := c.Request(), c.Response()
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(route, req.Method, res.Status, elapsed)
		s.logger.Debug("request",
			zap.String(logger.FieldRequestID, requestID(c)),
			zap.String("method", req.Method),
			zap.String("route", route),
			zap.String("uri", req.RequestURI),
			zap.Int("status", res.Status),
			zap.Duration("elapsed", elapsed),
		)
		return nil
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("api is returning an error",
			zap.String(logger.FieldRequestID, requestID(c)),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{
		Message:   message,
		RequestID: requestID(c),
		TraceID:   tracing.TraceID(c.Request().Context()),
	})
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
