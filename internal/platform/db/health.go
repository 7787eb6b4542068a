package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is the part of the pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck reports database reachability. Stats is optional.
type HealthCheck struct {
	DB      Pinger
	Stats   func() *PoolStats
	Timeout time.Duration
}

// NewHealthCheck returns a check over pool with a 5 second ping timeout.
func NewHealthCheck(pool *pgxpool.Pool) *HealthCheck {
	return &HealthCheck{
		DB:      pool,
		Stats:   func() *PoolStats { return GetPoolStats(pool) },
		Timeout: 5 * time.Second,
	}
}

// Handler returns the echo handler for the database health endpoint.
func (h *HealthCheck) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		body := map[string]interface{}{"status": "healthy"}
		if h.Stats != nil {
			body["pool"] = h.Stats()
		}
		if err := h.DB.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
