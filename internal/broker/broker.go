package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Broker terminates the single public RDP listener and routes each
// connection to a per-user backend, per spec.md §4.1.
type Broker struct {
	cfg      Config
	registry *SessionRegistry
	spawner  *Spawner
	auth     Authenticator
	logger   *slog.Logger
}

// New constructs a Broker from cfg. auth defaults to UserExistsAuthenticator
// when nil.
func New(cfg Config, registry *SessionRegistry, spawner *Spawner, auth Authenticator, logger *slog.Logger) *Broker {
	if auth == nil {
		auth = UserExistsAuthenticator{}
	}
	return &Broker{cfg: cfg, registry: registry, spawner: spawner, auth: auth, logger: logger}
}

// AcceptLoop binds cfg.Bind and accepts connections forever, spawning an
// isolated goroutine per connection. A bind failure is fatal at startup
// per spec.md §4.1.
func (b *Broker) AcceptLoop(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", b.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.Bind, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b.logger.Info("broker listening", "addr", b.cfg.Bind)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("accept failed", "err", err)
			continue
		}
		go b.route(ctx, conn)
	}
}

// route implements spec.md §4.1 steps (a)-(e) for a single connection.
func (b *Broker) route(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	packet, err := ReadX224ConnectionRequest(conn)
	if err != nil {
		b.logger.Warn("x224 parse failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	username, err := ExtractCookieUsername(packet)
	if err != nil {
		b.logger.Warn("cookie extraction failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	port, err := b.ensureBackend(ctx, username, conn.RemoteAddr().String())
	if err != nil {
		b.logger.Warn("failed to ensure backend", "username", username, "err", err)
		return
	}

	if err := proxyBytes(conn, port, packet); err != nil {
		b.logger.Warn("proxy error", "username", username, "err", err)
	}
	b.Disconnect(username)
}

// ensureBackend implements §4.1 steps (c)-(d): look up or create a ready
// backend for username and return its port.
func (b *Broker) ensureBackend(ctx context.Context, username, clientAddr string) (uint16, error) {
	entry, ok := b.registry.Get(username)
	if ok {
		switch entry.State {
		case StateActive, StateIdle:
			switch b.cfg.SessionPolicy {
			case PolicyOnePerUser:
				if err := b.registry.SetState(username, StateActive); err != nil {
					return 0, err
				}
				_ = b.registry.SetClientAddr(username, clientAddr)
				return entry.Port, nil
			case PolicyReplaceExisting:
				if err := b.registry.SetState(username, StateStopping); err != nil {
					return 0, err
				}
				if entry.UnitName != "" {
					_ = b.spawner.Stop(ctx, entry.UnitName)
				}
				b.registry.Remove(username)
				// fall through to create
			}
		case StateStarting:
			if err := WaitForReady(ctx, entry.Port, 30*time.Second); err != nil {
				return 0, err
			}
			return entry.Port, nil
		case StateStopping:
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			b.registry.Remove(username)
			// fall through to create
		}
	}

	return b.createBackend(ctx, username, clientAddr)
}

// createBackend implements §4.1 step (d).
func (b *Broker) createBackend(ctx context.Context, username, clientAddr string) (port uint16, err error) {
	if err := b.auth.Authenticate(username); err != nil {
		return 0, fmt.Errorf("authentication failed: %w", err)
	}

	env, err := DiscoverUserEnv(username)
	if err != nil {
		return 0, fmt.Errorf("environment discovery: %w", err)
	}

	entry, err := b.registry.AllocatePortAndInsert(username, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	_ = b.registry.SetClientAddr(username, clientAddr)

	unitName, err := b.spawner.Spawn(ctx, username, entry.Port, env)
	if err != nil {
		b.registry.Remove(username)
		return 0, fmt.Errorf("spawn failed: %w", err)
	}

	if err := b.registry.SetUnitName(username, unitName); err != nil {
		b.registry.Remove(username)
		return 0, err
	}

	if err := WaitForReady(ctx, entry.Port, 30*time.Second); err != nil {
		_ = b.spawner.Stop(ctx, unitName)
		b.registry.Remove(username)
		return 0, fmt.Errorf("readiness timeout: %w", err)
	}

	if err := b.registry.SetState(username, StateActive); err != nil {
		return 0, err
	}
	return entry.Port, nil
}

// Disconnect marks username's session Idle and clears its client
// address, per spec.md §4.1 "disconnect".
func (b *Broker) Disconnect(username string) {
	if err := b.registry.SetState(username, StateIdle); err != nil && !errors.Is(err, ErrNotFound) {
		b.logger.Warn("disconnect: set state failed", "username", username, "err", err)
	}
	_ = b.registry.SetClientAddr(username, "")
}

// IdleSweep runs forever, terminating backends idle for longer than
// cfg.IdleTimeoutSecs every 60 seconds, until ctx is cancelled.
func (b *Broker) IdleSweep(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	timeout := time.Duration(b.cfg.IdleTimeoutSecs) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, username := range b.registry.IdleSessions(timeout, time.Now()) {
				entry, ok := b.registry.Get(username)
				if !ok {
					continue
				}
				b.logger.Info("idle sweep terminating session", "username", username)
				if entry.UnitName != "" {
					_ = b.spawner.Stop(ctx, entry.UnitName)
				}
				b.registry.Remove(username)
			}
		}
	}
}
