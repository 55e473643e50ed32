package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global request rate plus one token bucket per agent.
type RateLimiter struct {
	mu       sync.Mutex
	global   *rate.Limiter
	agents   map[string]*rate.Limiter
	perAgent int
}

// NewRateLimiter creates a limiter allowing globalRPM requests per minute in
// total and perAgentRPM per agent unless the agent sets its own rate.
func NewRateLimiter(globalRPM, perAgentRPM int) *RateLimiter {
	return &RateLimiter{
		global:   perMinute(globalRPM),
		agents:   make(map[string]*rate.Limiter),
		perAgent: perAgentRPM,
	}
}

func perMinute(rpm int) *rate.Limiter {
	burst := rpm
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Allow reports whether agent may make a request now. rpm overrides the
// default per-agent rate when positive.
func (rl *RateLimiter) Allow(agent string, rpm int) bool {
	rl.mu.Lock()
	limiter, ok := rl.agents[agent]
	if !ok {
		if rpm <= 0 {
			rpm = rl.perAgent
		}
		limiter = perMinute(rpm)
		rl.agents[agent] = limiter
	}
	rl.mu.Unlock()

	if !limiter.Allow() {
		return false
	}
	return rl.global.Allow()
}
