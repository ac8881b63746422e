package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Mutter0815/InviteFlow/internal/apperr"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
)

const (
	headerRequestID  = "X-Request-ID"
	headerOperatorID = "X-Operator-ID"
	ctxOperatorID    = "operator_id"
)

func Observability() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.Request.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Set("request_id", rid)
		c.Next()

		lat := time.Since(start).Seconds()
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, path).Observe(lat)

		logx.L().Infow("http_access",
			"rid", rid,
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", lat,
			"client_ip", c.ClientIP(),
			"operator_id", c.GetInt64(ctxOperatorID),
		)
	}
}

// Operator resolves the caller from X-Operator-ID. Requests without a
// positive numeric id are rejected as unauthorized.
func Operator() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerOperatorID))
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			writeError(c, apperr.New(apperr.KindUnauthorized, "missing or invalid "+headerOperatorID))
			c.Abort()
			return
		}
		c.Set(ctxOperatorID, id)
		c.Next()
	}
}

func operatorID(c *gin.Context) int64 { return c.GetInt64(ctxOperatorID) }

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps an error kind to its HTTP status. Internal errors are
// logged and answered with a generic message.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		logx.L().Errorw("request_failed", "path", c.FullPath(), "rid", c.GetString("request_id"), "error", err)
		msg = "internal error"
	}
	c.JSON(status, errorBody{Error: msg, Kind: string(kind)})
}
