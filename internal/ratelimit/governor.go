package ratelimit

import (
	"time"

	"github.com/real-rm/supportdesk/internal/constants"
)

// Bucket family names, also used as metric labels
const (
	FamilyVisitorMessages = "visitor_messages"
	FamilyAdminAPI        = "admin_api"
	FamilyOTPVerify       = "otp_verify"
)

// GovernorConfig sets the limits of each family
type GovernorConfig struct {
	VisitorRate   float64
	VisitorBurst  int
	AdminRequests int
	AdminWindow   time.Duration
	OTPAttempts   int
	OTPWindow     time.Duration
}

// DefaultGovernorConfig returns the production defaults
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		VisitorRate:   constants.DefaultVisitorRatePerSecond,
		VisitorBurst:  constants.DefaultVisitorBurst,
		AdminRequests: constants.DefaultAdminAPIRequests,
		AdminWindow:   constants.DefaultAdminAPIWindow,
		OTPAttempts:   constants.DefaultOTPAttempts,
		OTPWindow:     constants.DefaultOTPWindow,
	}
}

// Governor groups the limiters shared by every inbound channel
type Governor struct {
	VisitorMessages *Limiter
	AdminAPI        *Limiter
	OTPVerify       *Limiter
}

// NewGovernor creates the three bucket families
func NewGovernor(cfg GovernorConfig, clock Clock) *Governor {
	return &Governor{
		VisitorMessages: NewLimiter(Family{
			Name:  FamilyVisitorMessages,
			Rate:  cfg.VisitorRate,
			Burst: float64(cfg.VisitorBurst),
		}, clock),
		AdminAPI:  NewLimiter(PerWindow(FamilyAdminAPI, cfg.AdminRequests, cfg.AdminWindow), clock),
		OTPVerify: NewLimiter(PerWindow(FamilyOTPVerify, cfg.OTPAttempts, cfg.OTPWindow), clock),
	}
}

// VisitorKey builds the identity of a visitor's message bucket
func VisitorKey(ip, conversationID string) string {
	return "visitor:" + ip + ":" + conversationID
}

func (g *Governor) limiters() []*Limiter {
	return []*Limiter{g.VisitorMessages, g.AdminAPI, g.OTPVerify}
}

// StartCleanup starts stale bucket eviction on every family
func (g *Governor) StartCleanup(interval, maxIdle time.Duration) {
	for _, l := range g.limiters() {
		l.StartCleanup(interval, maxIdle)
	}
}

// StopCleanup stops every family's cleanup goroutine
func (g *Governor) StopCleanup() {
	for _, l := range g.limiters() {
		l.StopCleanup()
	}
}
