// Package portforward implements the conflict check used before adding a
// host-port forward: search every live SSH connection's forward tables
// first, then fall back to asking the OS about external
// listeners via its socket-listing tool (ss; no other tool is tried).
package portforward

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// OwnerKind classifies what, if anything, currently holds a port.
type OwnerKind string

const (
	OwnerNone     OwnerKind = ""
	OwnerBoxctl   OwnerKind = "boxctl"
	OwnerExternal OwnerKind = "external"
)

// Owner describes what a Check found occupying a port.
type Owner struct {
	Kind      OwnerKind
	Container string // set when Kind == OwnerBoxctl
	Direction string // "exposed" (remote forward) or "forwarded" (local forward)
	Process   string // set when Kind == OwnerExternal
	PID       int    // set when Kind == OwnerExternal
}

// Available reports whether the port is free.
func (o Owner) Available() bool { return o.Kind == OwnerNone }

// ForwardLookup is implemented by the live-connection table the daemon
// keeps (internal/daemon's connections table projected through
// internal/sshtunnel), queried before falling back to the OS.
type ForwardLookup interface {
	// FindPort returns the container and direction ("exposed" or
	// "forwarded") currently bound to hostPort, if any.
	FindPort(hostPort int) (container string, direction string, found bool)
}

// Checker runs port-conflict checks, shelling out to the OS for the
// external-listener fallback.
type Checker struct {
	lookup     ForwardLookup
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewChecker builds a Checker backed by lookup for the boxctl-owned half
// of the check.
func NewChecker(lookup ForwardLookup) *Checker {
	return &Checker{lookup: lookup, runCommand: runCommand}
}

// Check classifies hostPort's current owner.
func (c *Checker) Check(ctx context.Context, hostPort int) (Owner, error) {
	if c.lookup != nil {
		if container, direction, found := c.lookup.FindPort(hostPort); found {
			return Owner{Kind: OwnerBoxctl, Container: container, Direction: direction}, nil
		}
	}

	process, pid, found, err := c.externalListener(ctx, hostPort)
	if err != nil {
		return Owner{}, err
	}
	if !found {
		return Owner{}, nil
	}
	return Owner{Kind: OwnerExternal, Process: process, PID: pid}, nil
}

var ssListenLine = regexp.MustCompile(`users:\(\("([^"]+)",pid=(\d+)`)

// externalListener shells out to `ss -ltnp` filtered to hostPort and
// extracts (process, pid) from the "users:" column via regex.
func (c *Checker) externalListener(ctx context.Context, hostPort int) (process string, pid int, found bool, err error) {
	out, err := c.runCommand(ctx, "ss", "-ltnp", fmt.Sprintf("sport = :%d", hostPort))
	if err != nil {
		// ss unavailable is advisory: report "not found" rather than
		// failing the whole check.
		return "", 0, false, nil
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, fmt.Sprintf(":%d ", hostPort)) {
			continue
		}
		m := ssListenLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pidVal, convErr := strconv.Atoi(m[2])
		if convErr != nil {
			continue
		}
		return m[1], pidVal, true, nil
	}
	return "", 0, false, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
