// Package handler exposes the gateway and the billing webhook over HTTP
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/response"
)

// Request headers understood by mutation routes
const (
	HeaderIdempotencyKey    = "X-Idempotency-Key"
	HeaderIfUnmodifiedSince = "If-Unmodified-Since"
	HeaderCollectionVersion = "X-Collection-Version"
)

// writeError maps err onto the response envelope; errors outside the domain
// taxonomy are logged and hidden behind a generic message
func writeError(c *gin.Context, log *logger.Logger, err error) {
	status, body, known := response.FromError(err)
	if !known {
		log.WithContext(c.Request.Context()).Error("unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

// mutationOptions reads the idempotency key and the optimistic concurrency
// precondition. If-Unmodified-Since carries the row's updated_at in RFC 3339.
func mutationOptions(c *gin.Context) ([]gateway.Option, bool) {
	var opts []gateway.Option
	if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
		opts = append(opts, gateway.WithIdempotencyKey(key))
	}
	if v := c.GetHeader(HeaderIfUnmodifiedSince); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.BadRequest(HeaderIfUnmodifiedSince+" must be an RFC 3339 timestamp"))
			return nil, false
		}
		opts = append(opts, gateway.IfUnmodifiedSince(at))
	}
	return opts, true
}

// readOptions parses ?after_version=<n>&wait=<duration> for long-polling reads
func readOptions(c *gin.Context) (gateway.ReadOptions, bool) {
	var ro gateway.ReadOptions
	if v := c.Query("after_version"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.BadRequest("after_version must be a non-negative integer"))
			return ro, false
		}
		ro.AfterVersion = n
	}
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, response.BadRequest("wait must be a duration such as 25s"))
			return ro, false
		}
		ro.Wait = d
	}
	return ro, true
}

// writeView returns the rows of a collection with its state and version. A
// collection in error is reported as such rather than as an empty list.
func writeView[T domain.Record[T]](c *gin.Context, view collection.View[T]) {
	rows := make([]T, 0, len(view.Items))
	for _, it := range view.Items {
		rows = append(rows, it.Row)
	}
	c.Header(HeaderCollectionVersion, strconv.FormatUint(view.Version, 10))
	meta := &response.Meta{State: string(view.State), Version: view.Version, Total: len(rows)}

	if view.State == collection.StateError {
		c.JSON(http.StatusServiceUnavailable, &response.Response{
			Success: false,
			Data:    rows,
			Error:   &response.ErrorInfo{Code: response.ErrCodeFetchFailed, Message: view.Error},
			Meta:    meta,
		})
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithMeta(rows, meta))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, response.BadRequest(err.Error()))
		return false
	}
	return true
}
