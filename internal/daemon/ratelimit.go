package daemon

import (
	"encoding/json"
	"time"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// RateLimitStatus is what check_agent/get_usage_status report to the CLI.
type RateLimitStatus struct {
	Limited    bool      `json:"limited"`
	ResetsAt   time.Time `json:"resets_at,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	ReportedBy string    `json:"reported_by,omitempty"`
}

// CheckAgent reports agent's current advisory rate-limit status, lazily
// clearing an expired entry first.
func (d *Daemon) CheckAgent(agent string) RateLimitStatus {
	e, ok := d.rateLimits.get(agent, time.Now())
	if !ok {
		return RateLimitStatus{}
	}
	return RateLimitStatus{Limited: e.Limited, ResetsAt: e.ResetsAt, ErrorType: e.ErrorType, ReportedBy: e.ReportedBy}
}

// GetUsageStatus returns the status of every agent with a tracked entry
// (limited or not), after lazily expiring stale entries.
func (d *Daemon) GetUsageStatus() map[string]RateLimitStatus {
	now := time.Now()
	out := make(map[string]RateLimitStatus)
	d.rateLimits.mu.Lock()
	agents := make([]string, 0, len(d.rateLimits.data))
	for a := range d.rateLimits.data {
		agents = append(agents, a)
	}
	d.rateLimits.mu.Unlock()

	for _, a := range agents {
		if e, ok := d.rateLimits.get(a, now); ok {
			out[a] = RateLimitStatus{Limited: e.Limited, ResetsAt: e.ResetsAt, ErrorType: e.ErrorType, ReportedBy: e.ReportedBy}
		}
	}
	return out
}

// ClearRateLimit removes agent's tracked rate-limit state, used when the
// CLI is told the limit has lifted out of band.
func (d *Daemon) ClearRateLimit(agent string) {
	d.rateLimits.clear(agent)
}

type agentNameRequest struct {
	Agent string `json:"agent"`
}

// handleCheckAgent answers a container's check_agent request with that
// agent's advisory rate-limit status; expired entries report available
// and are cleared by the read itself.
func (d *Daemon) handleCheckAgent(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	var req agentNameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "daemon", "malformed check_agent payload", err)
	}
	status := d.CheckAgent(req.Agent)
	return map[string]any{"available": !status.Limited, "status": status}, nil
}

// handleGetUsageStatus answers get_usage_status with every currently
// rate-limited agent.
func (d *Daemon) handleGetUsageStatus(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	return map[string]any{"agents": d.GetUsageStatus()}, nil
}

// handleClearRateLimit answers clear_rate_limit by dropping the named
// agent's tracked entry.
func (d *Daemon) handleClearRateLimit(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	var req agentNameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "daemon", "malformed clear_rate_limit payload", err)
	}
	d.ClearRateLimit(req.Agent)
	return map[string]bool{"ok": true}, nil
}
