package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// PoolUsage summarizes connection pressure. A saturated pool is the usual
// first symptom when a scheduler pass and a webhook burst collide, so the
// health endpoint always reports it, healthy or not.
type PoolUsage struct {
	Total int32 `json:"total"`
	Idle  int32 `json:"idle"`
	InUse int32 `json:"in_use"`
	Max   int32 `json:"max"`
}

// Health is the body served on /health.
type Health struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Pool   PoolUsage `json:"pool"`
}

// HealthHandler reports database reachability and pool usage.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() PoolUsage {
		s := pool.Stat()
		return PoolUsage{
			Total: s.TotalConns(),
			Idle:  s.IdleConns(),
			InUse: s.AcquiredConns(),
			Max:   s.MaxConns(),
		}
	})
}

func healthHandler(ping func(ctx context.Context) error, usage func() PoolUsage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, Health{
				Status: "unhealthy",
				Error:  err.Error(),
				Pool:   usage(),
			})
		}
		return c.JSON(http.StatusOK, Health{Status: "healthy", Pool: usage()})
	}
}
