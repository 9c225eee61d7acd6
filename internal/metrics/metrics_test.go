package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistration verifies that all metrics are properly registered
func TestMetricsRegistration(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"VisitorConnections", VisitorConnections},
		{"AdminConnections", AdminConnections},
		{"ConnectionsRejected", ConnectionsRejected},
		{"AdminEvictions", AdminEvictions},
		{"MessagesReceived", MessagesReceived},
		{"MessagesRouted", MessagesRouted},
		{"MessageErrors", MessageErrors},
		{"GoroutinePanics", GoroutinePanics},
		{"RateLimitDenials", RateLimitDenials},
		{"OTPVerifications", OTPVerifications},
		{"ActiveSessions", ActiveSessions},
		{"TokenRotations", TokenRotations},
		{"RelayNotifications", RelayNotifications},
		{"CacheLookups", CacheLookups},
		{"HTTPRequestDuration", HTTPRequestDuration},
		{"MongoDBOperationDuration", MongoDBOperationDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("Metric %s is nil", tt.name)
			}
		})
	}
}

// TestConnectionGauges verifies the connection gauges move in both directions
func TestConnectionGauges(t *testing.T) {
	for name, g := range map[string]prometheus.Gauge{
		"visitor": VisitorConnections,
		"admin":   AdminConnections,
	} {
		t.Run(name, func(t *testing.T) {
			var m dto.Metric
			if err := g.Write(&m); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}
			initial := m.GetGauge().GetValue()

			g.Inc()
			if err := g.Write(&m); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}
			if got := m.GetGauge().GetValue(); got != initial+1 {
				t.Errorf("Expected value %f after Inc(), got %f", initial+1, got)
			}

			g.Dec()
			if err := g.Write(&m); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}
			if got := m.GetGauge().GetValue(); got != initial {
				t.Errorf("Expected value %f after Dec(), got %f", initial, got)
			}
		})
	}
}

// TestRateLimitDenialsByFamily verifies family labels are tracked independently
func TestRateLimitDenialsByFamily(t *testing.T) {
	var m dto.Metric
	visitor := RateLimitDenials.WithLabelValues("visitor_messages")
	otp := RateLimitDenials.WithLabelValues("otp_verify")

	if err := otp.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	otpBefore := m.GetCounter().GetValue()

	visitor.Inc()
	visitor.Inc()

	if err := otp.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != otpBefore {
		t.Errorf("otp_verify counter changed from %f to %f", otpBefore, got)
	}
}

// TestLabelledMetrics exercises every label combination used by the service
func TestLabelledMetrics(t *testing.T) {
	for _, outcome := range []string{"success", "mismatch", "locked", "not_found"} {
		OTPVerifications.WithLabelValues(outcome).Inc()
	}
	for _, result := range []string{"committed", "aborted", "conflict"} {
		TokenRotations.WithLabelValues(result).Inc()
	}
	for _, channel := range []string{"telegram", "amqp"} {
		RelayNotifications.WithLabelValues(channel, "success").Inc()
		RelayNotifications.WithLabelValues(channel, "failure").Inc()
	}
	CacheLookups.WithLabelValues("hit").Inc()
	CacheLookups.WithLabelValues("miss").Inc()
	ConnectionsRejected.WithLabelValues("admin", "capacity").Inc()
	MessagesReceived.WithLabelValues("visitor").Inc()
	HTTPRequestDuration.WithLabelValues("/support/api/admin/conversations", "GET").Observe(0.01)
	MongoDBOperationDuration.WithLabelValues("save_message").Observe(0.002)
}
