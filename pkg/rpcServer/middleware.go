package rpcServer

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sovads/ledger/pkg/errs"
	"github.com/sovads/ledger/pkg/metrics/metricsTypes"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/ext"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

func (rpc *RpcServer) traceRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := tracer.StartSpanFromContext(c.Request.Context(), "http.request",
			tracer.ServiceName("sovads-ledger-api"),
			tracer.ResourceName(c.Request.Method+" "+c.FullPath()),
			tracer.SpanType(ext.SpanTypeWeb),
			tracer.Tag(ext.HTTPMethod, c.Request.Method),
			tracer.Tag(ext.HTTPURL, c.Request.URL.Path),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetTag(ext.HTTPCode, strconv.Itoa(c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetTag(ext.Error, c.Errors.Last())
		}
		span.Finish()
	}
}

func (rpc *RpcServer) recordRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := []metricsTypes.MetricsLabel{
			{Name: "method", Value: c.Request.Method},
			{Name: "path", Value: path},
			{Name: "status_code", Value: strconv.Itoa(c.Writer.Status())},
			{Name: "client_ip", Value: c.ClientIP()},
		}
		rpc.metricsSink.Incr(metricsTypes.Metric_Incr_HttpRequest, labels, 1)
		rpc.metricsSink.Timing(metricsTypes.Metric_Timing_HttpDuration, time.Since(start), labels)
	}
}

func (rpc *RpcServer) limitEdge() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := rpc.limiter.Allow(c.Request.Context(), c.ClientIP()); err != nil {
			if errs.Is(err, errs.Kind_RateLimited) {
				c.Header("Retry-After", "60")
			}
			rpc.respondError(c, err)
			return
		}
		c.Next()
	}
}

// requireAdmin accepts "Authorization: Bearer <token>". An empty admin token disables admin routes.
func (rpc *RpcServer) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := rpc.globalConfig.RpcConfig.AdminToken
		provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if expected == "" || !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			rpc.respondError(c, errs.New(errs.Kind_Unauthorized, "admin token required"))
			return
		}
		c.Next()
	}
}
