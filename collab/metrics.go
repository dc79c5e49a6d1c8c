package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Number of file rooms with at least one participant",
		},
	)

	participantsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_participants_active",
			Help: "Number of room memberships across all file rooms",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Number of admitted collaboration connections",
		},
	)

	admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_admissions_total",
			Help: "Connection admission attempts by result",
		},
		[]string{"result"},
	)

	eventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_total",
			Help: "Inbound collaboration events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)
