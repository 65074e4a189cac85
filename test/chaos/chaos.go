package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends opened under one application name.
type Killer struct {
	Pool     *pgxpool.Pool
	AppName  string
	Interval time.Duration
	// OneIn is the chance, 1/OneIn per tick, of killing a backend.
	OneIn int

	killed atomic.Int64
}

// Killed reports how many backends were terminated.
func (k *Killer) Killed() int64 { return k.killed.Load() }

// Run kills backends until ctx ends or stop closes.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	interval, oneIn := k.Interval, k.OneIn
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if oneIn < 1 {
		oneIn = 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var n int64
			err := k.Pool.QueryRow(ctx, `
                SELECT count(pg_terminate_backend(pid))
                FROM (
                    SELECT pid FROM pg_stat_activity
                    WHERE datname = current_database()
                      AND application_name = $1
                      AND pid <> pg_backend_pid()
                    ORDER BY random()
                    LIMIT 1
                ) victims
            `, k.AppName).Scan(&n)
			if err == nil {
				k.killed.Add(n)
			}
		}
	}
}
