// Command boxctld is the host control-plane daemon:
// it owns the SSH tunnel every container dials into, the cross-container
// runtime tables, and the CLI RPC socket the boxctl command-line tool talks
// to. It is meant to run as a long-lived per-user background process,
// typically supervised by systemd --user or launchd.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/boxctl/boxctl/internal/daemon"
	"github.com/boxctl/boxctl/internal/engine"
	"github.com/boxctl/boxctl/internal/hostconfig"
	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/signals"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// shutdownGrace bounds how long Stop waits for in-flight SSH connections
// and the CLI listener to drain before returning.
const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "boxctld: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := hostconfig.Load()
	if err != nil {
		// A malformed config.yml already fell back to defaults inside
		// Load; any other load error leaves cfg nil and falls back here.
		// Worth logging but never fatal at startup.
		fmt.Fprintf(os.Stderr, "boxctld: warning: %v (continuing with defaults)\n", err)
		if cfg == nil {
			cfg = hostconfig.Default()
		}
	}

	if err := initLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "boxctld: warning: logger init failed: %v\n", err)
	}
	defer logger.Close()

	runtimeDir, err := hostconfig.RuntimeDir()
	if err != nil {
		return fmt.Errorf("resolve runtime dir: %w", err)
	}
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir %s: %w", runtimeDir, err)
	}

	sshSocketPath, err := hostconfig.SSHSocketPath()
	if err != nil {
		return fmt.Errorf("resolve ssh socket path: %w", err)
	}
	cliSocketPath, err := hostconfig.CLISocketPath()
	if err != nil {
		return fmt.Errorf("resolve cli socket path: %w", err)
	}

	hostKey, err := sshtunnel.GenerateHostKey()
	if err != nil {
		return fmt.Errorf("generate ssh host key: %w", err)
	}

	eng, err := engine.New(context.Background())
	if err != nil {
		// Container lifecycle actions will fail with runtime_unavailable;
		// everything else (notify, ports, completions) still works.
		logger.Warn().Err(err).Msg("boxctld: container runtime unreachable")
		eng = nil
	} else {
		defer eng.Close()
	}

	d := daemon.New(cfg, hostKey, eng)

	ctx, cancel := signals.SetupSignalContext(context.Background())
	defer cancel()

	if err := d.Start(ctx, sshSocketPath, cliSocketPath); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	logger.Info().
		Str("ssh_socket", sshSocketPath).
		Str("cli_socket", cliSocketPath).
		Msg("boxctld: ready")

	<-ctx.Done()
	logger.Info().Msg("boxctld: shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("boxctld: shutdown error")
	}
	return nil
}

// initLogger wires boxctld's file logger (and, if BOXCTL_OTEL_ENDPOINT is
// set, the OTEL bridge) under the host config directory's logs/ subdir.
func initLogger(cfg *hostconfig.Config) error {
	dir, err := hostconfig.Dir()
	if err != nil {
		return err
	}

	fileEnabled := true
	compress := true
	opts := &logger.Options{
		LogsDir: dir + "/logs",
		FileConfig: &logger.FileConfig{
			Enabled:  &fileEnabled,
			Compress: &compress,
		},
	}

	if endpoint := os.Getenv("BOXCTL_OTEL_ENDPOINT"); endpoint != "" {
		opts.OtelConfig = &logger.OtelConfig{
			Endpoint:       endpoint,
			Insecure:       os.Getenv("BOXCTL_OTEL_INSECURE") == "1",
			Timeout:        5 * time.Second,
			MaxQueueSize:   2048,
			ExportInterval: 5 * time.Second,
		}
	}

	return logger.NewLogger(opts)
}
