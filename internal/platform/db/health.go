package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats summarizes the connection pool for the health endpoint.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	PingLatency   string `json:"ping_latency,omitempty"`
	Healthy       bool   `json:"healthy"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// HealthHandler pings the database and reports pool statistics.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		stats := poolStats(pool)
		start := time.Now()
		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}
		stats.PingLatency = time.Since(start).String()
		stats.Healthy = true

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
