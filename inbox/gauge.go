package inbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PressureGauge reports whether the shared resource the pollers lean on is
// saturated. The poller shrinks its batch to 1 under pressure rather than
// skipping the cycle, which keeps forward progress without starving other
// consumers.
type PressureGauge interface {
	Saturated(ctx context.Context) bool
}

// PoolPressureGauge reads acquisition pressure off the pgx pool.
type PoolPressureGauge struct {
	pool      *pgxpool.Pool
	threshold float64
}

func NewPoolPressureGauge(pool *pgxpool.Pool, threshold float64) *PoolPressureGauge {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &PoolPressureGauge{pool: pool, threshold: threshold}
}

func (g *PoolPressureGauge) Saturated(context.Context) bool {
	stat := g.pool.Stat()
	max := stat.MaxConns()
	if max == 0 {
		return false
	}
	return float64(stat.AcquiredConns())/float64(max) >= g.threshold
}
