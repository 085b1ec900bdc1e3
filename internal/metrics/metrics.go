// Package metrics exposes Prometheus counters for the scan and
// notification paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts resolved scan events by action and outcome.
	// Outcome is "accepted" or the rejection reason.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Scan events processed, by action and outcome.",
	}, []string{"action", "outcome"})

	// NotificationsTotal counts delivery attempts per channel.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_notifications_total",
		Help: "Notification deliveries, by channel and result.",
	}, []string{"channel", "result"})
)

// ObserveScan records a resolved scan.
func ObserveScan(action string, accepted bool, reason string) {
	outcome := "accepted"
	if !accepted {
		outcome = reason
		if outcome == "" {
			outcome = "rejected"
		}
	}
	ScansTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveNotification records one channel's delivery result.
func ObserveNotification(channel string, sent bool) {
	result := "sent"
	if !sent {
		result = "failed"
	}
	NotificationsTotal.WithLabelValues(channel, result).Inc()
}
