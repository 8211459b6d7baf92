package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the /health/db view of the connection pool.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireWait   string `json:"acquire_wait"`
}

// HealthStatus is the /health/db response body.
type HealthStatus struct {
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	Latency string    `json:"latency"`
	Pool    PoolStats `json:"pool"`
}

// HealthHandler pings the pool within timeout and answers 503 when the
// database cannot be reached.
func HealthHandler(pool *pgxpool.Pool, timeout time.Duration) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() PoolStats {
		st := pool.Stat()
		return PoolStats{
			TotalConns:    st.TotalConns(),
			IdleConns:     st.IdleConns(),
			AcquiredConns: st.AcquiredConns(),
			MaxConns:      st.MaxConns(),
			AcquireWait:   st.AcquireDuration().String(),
		}
	}, timeout)
}

func healthHandler(ping func(context.Context) error, stats func() PoolStats, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		start := time.Now()
		err := ping(ctx)
		res := HealthStatus{Status: "ok", Latency: time.Since(start).String(), Pool: stats()}
		if err != nil {
			res.Status = "unavailable"
			res.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}
