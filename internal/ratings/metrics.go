package ratings

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeUnchanged = "unchanged"
	outcomeUpdated   = "updated"
)

var ratingPatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "episode_ratings_rating_patches_total",
		Help: "Rating patch requests by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(ratingPatches)
}

func observePatch(outcome string) {
	ratingPatches.WithLabelValues(outcome).Inc()
}

func observePatchKind(kind ErrorKind) {
	observePatch(strings.ToLower(string(kind)))
}

func observePatchFailure(err error) {
	observePatchKind(KindOf(err))
}
