package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserSessionEnv carries the environment a per-user backend needs to
// reach that user's Wayland compositor and session bus, per spec.md §4.6.
type UserSessionEnv struct {
	UID                   int
	GID                   int
	Home                  string
	WaylandDisplay        string
	XDGRuntimeDir         string
	DBusSessionBusAddress string
}

// Spawner launches and stops per-user backend processes as transient
// systemd scope units, grounded on the original implementation's
// systemd-run invocation (cosmic-ext-rdp-broker/src/spawner.rs) and
// adapted to Go's os/exec idiom.
type Spawner struct {
	serverBinary string
	logger       *slog.Logger
}

// NewSpawner constructs a Spawner that launches serverBinary.
func NewSpawner(serverBinary string, logger *slog.Logger) *Spawner {
	return &Spawner{serverBinary: serverBinary, logger: logger}
}

// DiscoverUserEnv resolves the OS account and graphical-session
// environment for username, per spec.md §4.6 "Environment discovery".
func DiscoverUserEnv(username string) (UserSessionEnv, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return UserSessionEnv{}, fmt.Errorf("user lookup %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return UserSessionEnv{}, fmt.Errorf("parse uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return UserSessionEnv{}, fmt.Errorf("parse gid: %w", err)
	}

	xdgRuntimeDir := fmt.Sprintf("/run/user/%d", uid)
	display, err := discoverWaylandDisplay(uid, xdgRuntimeDir)
	if err != nil {
		return UserSessionEnv{}, err
	}

	return UserSessionEnv{
		UID:                   uid,
		GID:                   gid,
		Home:                  u.HomeDir,
		WaylandDisplay:        display,
		XDGRuntimeDir:         xdgRuntimeDir,
		DBusSessionBusAddress: fmt.Sprintf("unix:path=%s/bus", xdgRuntimeDir),
	}, nil
}

// discoverWaylandDisplay implements the two-strategy discovery from
// spec.md §4.6: scan the runtime dir for a wayland-<n> socket, then fall
// back to loginctl's session type with a wayland-0 default. The loginctl
// fallback is a heuristic per spec.md §9's open question — it answers
// "is this a Wayland session" but not "which socket", so wayland-0 is
// assumed.
func discoverWaylandDisplay(uid int, xdgRuntimeDir string) (string, error) {
	if socket := scanWaylandSockets(xdgRuntimeDir); socket != "" {
		return socket, nil
	}

	out, err := exec.Command("loginctl", "show-user", strconv.Itoa(uid), "--property=Display", "--value").Output()
	if err == nil {
		sessionID := strings.TrimSpace(string(out))
		if sessionID != "" {
			typeOut, err := exec.Command("loginctl", "show-session", sessionID, "--property=Type", "--value").Output()
			if err == nil && strings.TrimSpace(string(typeOut)) == "wayland" {
				return "wayland-0", nil
			}
		}
	}

	return "", fmt.Errorf("could not discover Wayland display for uid %d", uid)
}

// scanWaylandSockets looks for the first wayland-<n> socket (excluding
// lock files) in dir.
func scanWaylandSockets(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "wayland-") && !strings.HasSuffix(name, ".lock") {
			return name
		}
	}
	return ""
}

// Spawn launches the per-user backend as a transient systemd scope unit
// bound under a single slice, grounded on spec.md §4.6's required
// properties (uid/gid, inherited env, loopback bind, unit name for stop).
func (s *Spawner) Spawn(ctx context.Context, username string, port uint16, env UserSessionEnv) (unitName string, err error) {
	unitName = fmt.Sprintf("rdpd-session-%s-%s", username, uuid.NewString()[:8])

	args := []string{
		"--uid", strconv.Itoa(env.UID),
		"--gid", strconv.Itoa(env.GID),
		"--unit", unitName,
		"--scope",
		"--slice", "rdpd-sessions.slice",
		"--setenv", "WAYLAND_DISPLAY=" + env.WaylandDisplay,
		"--setenv", "XDG_RUNTIME_DIR=" + env.XDGRuntimeDir,
		"--setenv", "DBUS_SESSION_BUS_ADDRESS=" + env.DBusSessionBusAddress,
		"--setenv", "HOME=" + env.Home,
		"--setenv", "USER=" + username,
		"--",
		s.serverBinary,
		"--addr", "127.0.0.1",
		"--port", strconv.Itoa(int(port)),
	}

	cmd := exec.CommandContext(ctx, "systemd-run", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("systemd-run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	s.logger.Info("spawned per-user backend",
		"username", username, "port", port, "uid", env.UID, "unit", unitName)
	return unitName, nil
}

// Stop terminates a previously spawned backend by its systemd unit name.
func (s *Spawner) Stop(ctx context.Context, unitName string) error {
	out, err := exec.CommandContext(ctx, "systemctl", "stop", unitName).CombinedOutput()
	if err != nil {
		s.logger.Warn("systemctl stop failed", "unit", unitName, "err", err, "output", string(out))
		return fmt.Errorf("systemctl stop %s: %w", unitName, err)
	}
	s.logger.Info("stopped per-user backend", "unit", unitName)
	return nil
}

// WaitForReady polls 127.0.0.1:port with exponential backoff (10ms, cap
// 2s) until it accepts a TCP connection or deadline elapses, per spec.md
// §4.1 step (d) / §4.6 "Readiness probe".
func WaitForReady(ctx context.Context, port uint16, deadline time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	start := time.Now()
	delay := 10 * time.Millisecond
	const maxDelay = 2 * time.Second

	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Since(start) > deadline {
			return fmt.Errorf("backend on port %d not ready after %s", port, deadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
