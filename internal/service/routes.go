package service

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const component = "agentd-service"

func (h *Host) registerRoutes() {
	h.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(h.appeared).String(),
			"component": component,
		})
	})

	h.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(h.appeared).String(),
			"component": component,
		})
	})

	h.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.router.GET("/status", func(c *gin.Context) {
		if h.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, h.status())
	})

	h.router.GET("/optimizer", func(c *gin.Context) {
		if h.factory == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "optimizer not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connection": h.factory.ConnectionDetails().Redacted(),
			"delivered":  h.factory.Delivered(),
		})
	})
}
