package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_updates_total",
		Help: "Location samples accepted and persisted.",
	})

	locationPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_pushes_total",
		Help: "Location updates pushed to live viewers grouped by outcome.",
	}, []string{"result"})
)
