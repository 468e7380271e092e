package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsRecorder publishes pool statistics for one database handle.
// Wait counters are cumulative in both drivers, so only the delta since the
// previous call is added.
type DBStatsRecorder struct {
	driver   string
	record   func() (inUse, idle, max, waits int64)
	lastWait int64
}

// NewPgxRecorder records statistics of a pgx pool.
func NewPgxRecorder(pool *pgxpool.Pool) *DBStatsRecorder {
	return &DBStatsRecorder{
		driver: "postgres",
		record: func() (int64, int64, int64, int64) {
			s := pool.Stat()
			return int64(s.AcquiredConns()), int64(s.IdleConns()), int64(s.MaxConns()), s.EmptyAcquireCount()
		},
	}
}

// NewSQLRecorder records statistics of a database/sql handle.
func NewSQLRecorder(driver string, db *sql.DB) *DBStatsRecorder {
	return &DBStatsRecorder{
		driver: driver,
		record: func() (int64, int64, int64, int64) {
			s := db.Stats()
			return int64(s.InUse), int64(s.Idle), int64(s.MaxOpenConnections), s.WaitCount
		},
	}
}

// Record updates the pool gauges and the wait counter.
func (r *DBStatsRecorder) Record() {
	inUse, idle, maxConns, waits := r.record()

	DBPoolConnections.WithLabelValues(r.driver, "in_use").Set(float64(inUse))
	DBPoolConnections.WithLabelValues(r.driver, "idle").Set(float64(idle))
	DBPoolConnections.WithLabelValues(r.driver, "max").Set(float64(maxConns))

	if delta := waits - r.lastWait; delta > 0 {
		DBWaitTotal.WithLabelValues(r.driver).Add(float64(delta))
	}
	r.lastWait = waits
}
