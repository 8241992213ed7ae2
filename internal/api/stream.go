package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// streamAlerts pushes every broadcast alert to the client as a server-sent
// "alert" event until the client disconnects or the stream closes.
func (h *Handler) streamAlerts(c *gin.Context) {
	id, ch := h.stream.Subscribe()
	defer h.stream.Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("alert", a)
			c.Writer.Flush()
		}
	}
}

// RegisterMetrics exposes the gatherer's metrics at /metrics.
func RegisterMetrics(r *gin.Engine, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
