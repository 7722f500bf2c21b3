// SPDX-License-Identifier: MIT

// Package health aggregates component probes into one readiness
// verdict for Docker HEALTHCHECK and orchestrator probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/routecast/routecast/internal/log"
)

// Status is the overall or per-component health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component probe.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the full health endpoint body.
type Response struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// checkTimeout bounds one probe so a hung dependency cannot stall the
// whole endpoint.
const checkTimeout = 3 * time.Second

// Manager runs registered checkers and serves the verdict.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager builds a Manager reporting the given build version.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component probe.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Check runs every probe and aggregates the verdict. Any unhealthy
// component makes the whole response unhealthy.
func (m *Manager) Check(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, checker := range m.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := checker.Check(probeCtx)
		cancel()
		resp.Checks[checker.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHTTP answers 200 when every dependency responds and 503 when
// any of them is down.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	resp := m.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("health response encode failed")
	}
	logger.Debug().Str("status", string(resp.Status)).Msg("health checked")
}

// Pinger is any dependency exposing a Ping, such as the entity store
// or the Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a dependency via its Ping method.
type PingChecker struct {
	name string
	dep  Pinger
}

// NewPingChecker wraps a pingable dependency as a Checker.
func NewPingChecker(name string, dep Pinger) *PingChecker {
	return &PingChecker{name: name, dep: dep}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.dep.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "ping " + time.Since(start).Round(time.Millisecond).String(),
	}
}
