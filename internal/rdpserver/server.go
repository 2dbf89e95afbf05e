package rdpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
)

// SecurityMode selects how the RDP protocol engine negotiates transport
// security with a connecting client, per spec.md §4.7.
type SecurityMode int

const (
	// SecurityTLSOnly accepts a direct TLS handshake with no further
	// credential negotiation; any client that completes the handshake is
	// let in. This is the mode spec.md §6 requires when auth.enable is
	// false, and ValidateSecurityGate refuses it on non-loopback binds.
	SecurityTLSOnly SecurityMode = iota
	// SecurityHybrid performs CredSSP/NLA ahead of the RDP session,
	// verifying the username/password/domain in Credentials before the
	// TLS-wrapped RDP protocol starts.
	SecurityHybrid
)

// Credentials are the username/password/domain an engine checks during a
// SecurityHybrid handshake.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// AuthCredentials is the subset of config that produces Credentials when
// auth.enable is true; kept distinct from Credentials so callers that
// never configured auth never construct one.
type AuthCredentials struct {
	Username string
	Password string
	Domain   string
}

func (a AuthCredentials) toCredentials() Credentials {
	return Credentials{Username: a.Username, Password: a.Password, Domain: a.Domain}
}

// ServerSession bundles everything a ProtocolEngine needs to run one RDP
// listener: the negotiated security mode and credentials, and the
// display/input/clipboard/sound handlers wired for this backend.
//
// ProtocolEngine owns everything spec.md §1 calls out as delegated:
// "low-level RDP packet parsing below the X.224 Connection Request...
// delegated to an existing RDP protocol library — only the channel
// factory and event surface are part of the spec." ServerSession *is*
// that channel factory and event surface; a concrete ProtocolEngine
// wired in at the call site owns the X.224/MCS/fastpath codec itself.
// See DESIGN.md for why no such library from the example pack could be
// grounded here.
type ServerSession struct {
	TLS      *TLSContext
	Security SecurityMode
	Auth     *Credentials

	Display   Display
	Input     InputHandler
	Clipboard *ClipboardFactory
	Sound     func() SoundHandler
}

// ProtocolEngine is the delegation boundary for the RDP wire protocol: it
// owns the TCP accept loop, the X.224/MCS/fastpath codec, and dispatches
// decoded events into the ServerSession's handlers. A production
// deployment plugs in a real RDP protocol implementation here.
type ProtocolEngine interface {
	Serve(ctx context.Context, listener net.Listener, session ServerSession) error
}

// Server is one backend's bound RDP listener: a security configuration
// plus the handler set for either the static fallback, a live session, or
// a view-only (no input injection) session, mirroring
// cosmic-rdp-server/src/server.rs's build_server/build_live_server/
// build_view_only_server trio.
type Server struct {
	bindAddr string
	session  ServerSession
	engine   ProtocolEngine
	logger   *slog.Logger
}

// BuildServer wires the static blue-screen fallback display used before a
// compositor session is attached, or when capture setup fails.
func BuildServer(bindAddr string, tlsCtx *TLSContext, auth *AuthCredentials, clipboard *ClipboardFactory, sound func() SoundHandler, engine ProtocolEngine, logger *slog.Logger) *Server {
	return &Server{
		bindAddr: bindAddr,
		engine:   engine,
		logger:   logger,
		session: ServerSession{
			TLS:       tlsCtx,
			Security:  securityModeFor(auth),
			Auth:      credentialsFor(auth),
			Display:   NewStaticDisplay(1920, 1080),
			Input:     StaticInputHandler{Logger: logger},
			Clipboard: clipboard,
			Sound:     sound,
		},
	}
}

// BuildLiveServer wires live screen capture and input injection. It
// registers no EGFX DVC channel processor; any EGFX controller travels
// inside display.
func BuildLiveServer(bindAddr string, tlsCtx *TLSContext, auth *AuthCredentials, display *LiveDisplay, input *LiveInputHandler, clipboard *ClipboardFactory, sound func() SoundHandler, engine ProtocolEngine, logger *slog.Logger) *Server {
	return &Server{
		bindAddr: bindAddr,
		engine:   engine,
		logger:   logger,
		session: ServerSession{
			TLS:       tlsCtx,
			Security:  securityModeFor(auth),
			Auth:      credentialsFor(auth),
			Display:   display,
			Input:     input,
			Clipboard: clipboard,
			Sound:     sound,
		},
	}
}

// BuildViewOnlyServer wires live capture with no input injection, for
// read-only observer connections.
func BuildViewOnlyServer(bindAddr string, tlsCtx *TLSContext, auth *AuthCredentials, display *LiveDisplay, clipboard *ClipboardFactory, sound func() SoundHandler, engine ProtocolEngine, logger *slog.Logger) *Server {
	return &Server{
		bindAddr: bindAddr,
		engine:   engine,
		logger:   logger,
		session: ServerSession{
			TLS:       tlsCtx,
			Security:  securityModeFor(auth),
			Auth:      credentialsFor(auth),
			Display:   display,
			Input:     StaticInputHandler{Logger: logger},
			Clipboard: clipboard,
			Sound:     sound,
		},
	}
}

func securityModeFor(auth *AuthCredentials) SecurityMode {
	if auth != nil {
		return SecurityHybrid
	}
	return SecurityTLSOnly
}

// credentialsFor always returns a non-nil Credentials, mirroring
// apply_credentials in cosmic-rdp-server/src/server.rs: ironrdp-acceptor
// rejects a connection outright when server credentials are nil, because
// nil never compares equal to the client's submitted credentials. With
// auth disabled we still set empty credentials so an unauthenticated
// client presenting an empty username/password is accepted.
func credentialsFor(auth *AuthCredentials) *Credentials {
	if auth == nil {
		return &Credentials{}
	}
	creds := auth.toCredentials()
	return &creds
}

// Listen binds bindAddr and runs the protocol engine's accept loop until
// ctx is canceled or the engine returns.
func (s *Server) Listen(ctx context.Context) error {
	if s.engine == nil {
		return fmt.Errorf("rdpserver: no ProtocolEngine configured; plug in an RDP wire-protocol implementation before calling Listen")
	}

	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.bindAddr, err)
	}
	defer ln.Close()

	s.logger.Info("RDP backend listening", "addr", s.bindAddr, "security", securityModeName(s.session.Security))
	return s.engine.Serve(ctx, ln, s.session)
}

func securityModeName(mode SecurityMode) string {
	if mode == SecurityHybrid {
		return "hybrid-nla"
	}
	return "tls-only"
}

// newTLSServerConfig returns the tls.Config to present during the
// protocol engine's handshake, used by ProtocolEngine implementations
// that perform the handshake over a raw net.Conn themselves.
func newTLSServerConfig(ctx *TLSContext) *tls.Config {
	return ctx.Config
}
