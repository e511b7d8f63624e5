package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atmosphere_relay_sessions_active",
			Help: "Sessions with at least one attached client",
		},
	)

	pairingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_pairings_total",
			Help: "Sessions that reached two attached clients",
		},
	)

	framesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_frames_relayed_total",
			Help: "Frames spliced between paired clients",
		},
	)

	bytesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_bytes_relayed_total",
			Help: "Bytes spliced between paired clients",
		},
	)

	attachFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_attach_failures_total",
			Help: "Attachments rejected before pairing",
		},
		[]string{"reason"},
	)

	invitesVended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_invites_vended_total",
			Help: "Invite tokens stored for short-code pickup",
		},
	)

	invitesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_invites_fetched_total",
			Help: "Invite tokens served by short code",
		},
	)

	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atmosphere_relay_rate_limited_total",
			Help: "Requests refused by the per-client rate limit",
		},
	)
)
