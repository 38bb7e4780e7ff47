package kv

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	backendMemory = "memory"
	backendSQLite = "sqlite"

	resultCommitted = "committed"
	resultConflict  = "conflict"
	resultError     = "error"
)

var (
	commitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "episode_ratings_kv_commits_total",
		Help: "Atomic commits attempted against the key-value store, by backend and result",
	}, []string{"backend", "result"})
	commitAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "episode_ratings_kv_commit_attempts",
		Help:    "Attempts needed by conflict-retried operations before they finished",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
	})
)

func init() {
	prometheus.MustRegister(commitsTotal, commitAttempts)
}

func observeCommit(backend string, err error) {
	result := resultCommitted
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		result = resultConflict
	default:
		result = resultError
	}
	commitsTotal.WithLabelValues(backend, result).Inc()
}
