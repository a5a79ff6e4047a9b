package worker

import "time"

// Stats is a point-in-time measurement of pool health.
type Stats struct {
	Active          int
	Idle            int
	Dead            int
	NumWorkers      int
	FailurePressure float64
	RequestPressure float64
	Timestamp       time.Time
}

// NewStats snapshots the pool.
func NewStats(pool *Pool) Stats {
	active, idle, dead := pool.StatsRaw()
	maxRequests := pool.Options().MaxWaitingRequests
	var requestPressure float64
	if maxRequests > 0 {
		requestPressure = float64(pool.NumWaiters()) / float64(maxRequests)
	}
	return Stats{
		Active:          active,
		Idle:            idle,
		Dead:            dead,
		NumWorkers:      pool.NumWorkers(),
		FailurePressure: pool.FailurePressure(),
		RequestPressure: requestPressure,
		Timestamp:       time.Now(),
	}
}

// Activity measures worker busyness as active / (active + idle).
// Returns false when no worker is running.
func (s Stats) Activity() (float64, bool) {
	b := s.Active + s.Idle
	if b == 0 {
		return 0, false
	}
	return float64(s.Active) / float64(b), true
}
