// Package tailscale watches the host's Tailscale mesh IPv4 address and
// signals subscribers when it changes. It is only
// meaningful when "tailscale" appears in the host config's bind-address
// or web-server-hosts lists; internal/daemon decides whether to start it.
package tailscale

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/boxctl/boxctl/internal/logger"
)

// CommandRunner abstracts invoking the tailscale CLI, for tests.
type CommandRunner func(ctx context.Context) (string, error)

// DefaultCommandRunner runs `tailscale ip -4` and returns its trimmed stdout.
func DefaultCommandRunner(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Monitor polls the Tailscale CLI on an interval and notifies subscribers
// when the observed IP changes.
type Monitor struct {
	interval time.Duration
	runCmd   CommandRunner

	mu        sync.RWMutex
	currentIP string

	subscribersMu sync.Mutex
	subscribers   []func(ip string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Monitor that checks every interval using runCmd. A nil
// runCmd defaults to DefaultCommandRunner.
func New(interval time.Duration, runCmd CommandRunner) *Monitor {
	if runCmd == nil {
		runCmd = DefaultCommandRunner
	}
	return &Monitor{interval: interval, runCmd: runCmd, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Subscribe registers fn to be called (with the new IP) whenever the
// monitor observes a change. fn is invoked in the monitor's goroutine;
// callers that need to rebind listeners should treat the call as a
// signal and do their own work asynchronously if it's not trivial.
func (m *Monitor) Subscribe(fn func(ip string)) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// CurrentIP returns the last observed IP, or "" if none has been seen yet
// or the CLI was unavailable.
func (m *Monitor) CurrentIP() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentIP
}

// Start begins the polling loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context) {
	ip, err := m.runCmd(ctx)
	if err != nil {
		// CLI unavailable is treated as "IP unavailable", idempotently.
		logger.Debug().Err(err).Msg("tailscale: ip lookup failed")
		return
	}

	m.mu.Lock()
	changed := ip != m.currentIP
	if changed {
		m.currentIP = ip
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	logger.Info().Str("ip", ip).Msg("tailscale: mesh IP changed, signaling rebind")

	m.subscribersMu.Lock()
	subs := append([]func(string){}, m.subscribers...)
	m.subscribersMu.Unlock()
	for _, fn := range subs {
		fn(ip)
	}
}

// ShouldEnable reports whether the literal "tailscale" appears in either
// address list.
func ShouldEnable(bindAddresses, webServerHosts []string) bool {
	for _, addr := range bindAddresses {
		if addr == "tailscale" {
			return true
		}
	}
	for _, host := range webServerHosts {
		if host == "tailscale" {
			return true
		}
	}
	return false
}

// ResolveBindAddresses replaces the sentinel "tailscale" in addrs with
// the monitor's currently observed IP (if any); other entries pass
// through unchanged. Used to build the concrete bind-address set
// internal/sshtunnel listens on.
func (m *Monitor) ResolveBindAddresses(addrs []string) []string {
	ip := m.CurrentIP()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "tailscale" {
			if ip == "" {
				continue
			}
			out = append(out, ip)
			continue
		}
		out = append(out, a)
	}
	return out
}
