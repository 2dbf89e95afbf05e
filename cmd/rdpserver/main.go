// rdpserver is the per-user RDP backend: it captures one Wayland
// session's screen and audio, injects input back into it via libei, and
// serves a single RDP client, per spec.md §4.7.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/deskrelay/rdpd/internal/capture"
	"github.com/deskrelay/rdpd/internal/egfx"
	"github.com/deskrelay/rdpd/internal/input"
	"github.com/deskrelay/rdpd/internal/rdpserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "override bind address from config")
	port := flag.Uint("port", 0, "override bind port from config")
	certPath := flag.String("cert", "", "override TLS certificate path from config")
	keyPath := flag.String("key", "", "override TLS key path from config")
	configPath := flag.String("config", "", "path to backend TOML configuration")
	staticDisplay := flag.Bool("static-display", false, "serve a static test pattern instead of live capture")
	swapColors := flag.Bool("swap-colors", false, "swap red/blue channels in captured frames")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := rdpserver.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load backend configuration", "path", *configPath, "error", err)
		return 1
	}
	applyCLIOverrides(&cfg, *addr, uint16(*port), *certPath, *keyPath, *swapColors)

	if err := cfg.ValidateSecurityGate(); err != nil {
		logger.Error("refusing to start", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tlsCtx, err := setupTLS(cfg)
	if err != nil {
		logger.Error("failed to set up TLS", "error", err)
		return 1
	}
	auth := setupAuth(cfg)

	doReload := func() bool {
		return reloadConfig(*configPath, *addr, uint16(*port), *certPath, *keyPath, *swapColors, logger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(hupCh)
				return
			case <-hupCh:
				logger.Info("received SIGHUP, reloading configuration")
				doReload()
			}
		}
	}()

	ipcHandlers := rdpserver.IPCHandlers{
		Reload: doReload,
		Stop:   func() bool { cancel(); return true },
	}
	if conn, err := dbus.ConnectSessionBus(); err != nil {
		logger.Warn("session bus unavailable, backend IPC will not be exported", "error", err)
	} else {
		defer conn.Close()
		if _, err := rdpserver.ServeIPC(conn, ipcHandlers, logger); err != nil {
			logger.Warn("failed to export backend IPC service", "error", err)
		}
	}

	var clipboardFactory *rdpserver.ClipboardFactory
	if cfg.Clipboard.Enable {
		events := make(chan rdpserver.ClipboardEvent, 8)
		clipboardFactory = rdpserver.NewClipboardFactory(events, logger)
		logger.Info("clipboard sharing enabled")
	}

	soundFactory := buildSoundFactory(ctx, cfg, logger)

	var server *rdpserver.Server
	if *staticDisplay {
		logger.Info("using static display with solid blue test bitmap")
		server = rdpserver.BuildServer(cfg.Bind, tlsCtx, auth, clipboardFactory, soundFactory, nil, logger)
	} else {
		server, err = buildLiveServer(ctx, cfg, tlsCtx, auth, clipboardFactory, soundFactory, logger)
		if err != nil {
			logger.Warn("live capture setup failed, falling back to static display", "error", err)
			server = rdpserver.BuildServer(cfg.Bind, tlsCtx, auth, clipboardFactory, soundFactory, nil, logger)
		}
	}

	logger.Info("starting rdpserver", "bind", cfg.Bind)
	if err := server.Listen(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}

	logger.Info("rdpserver shutdown complete")
	return 0
}

func applyCLIOverrides(cfg *rdpserver.Config, addr string, port uint16, certPath, keyPath string, swapColors bool) {
	if addr != "" || port != 0 {
		host := addr
		if host == "" {
			host = "127.0.0.1"
		}
		p := port
		if p == 0 {
			p = 3390
		}
		cfg.Bind = fmt.Sprintf("%s:%d", host, p)
	}
	if certPath != "" {
		cfg.CertPath = certPath
	}
	if keyPath != "" {
		cfg.KeyPath = keyPath
	}
	if swapColors {
		cfg.Capture.SwapColors = true
	}
}

// reloadConfig re-reads the backend's TOML configuration from disk and
// re-runs ValidateSecurityGate, per SPEC_FULL.md §4.11's config-reload
// commitment. It reports success/failure only: the reloaded
// configuration is validated and then discarded, so the listener, the
// capture pipeline and every other setting keep their startup values.
func reloadConfig(configPath, addr string, port uint16, certPath, keyPath string, swapColors bool, logger *slog.Logger) bool {
	cfg, err := rdpserver.LoadConfig(configPath)
	if err != nil {
		logger.Error("reload: failed to load backend configuration", "path", configPath, "error", err)
		return false
	}
	applyCLIOverrides(&cfg, addr, port, certPath, keyPath, swapColors)

	if err := cfg.ValidateSecurityGate(); err != nil {
		logger.Error("reload: refusing reloaded configuration", "error", err)
		return false
	}

	logger.Info("configuration reloaded", "bind", cfg.Bind)
	return true
}

func setupTLS(cfg rdpserver.Config) (*rdpserver.TLSContext, error) {
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		return rdpserver.LoadTLSFromFiles(cfg.CertPath, cfg.KeyPath)
	}
	return rdpserver.GenerateSelfSigned(cfg.Bind)
}

func setupAuth(cfg rdpserver.Config) *rdpserver.AuthCredentials {
	if !cfg.Auth.Enable {
		return nil
	}
	return &rdpserver.AuthCredentials{
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		Domain:   cfg.Auth.Domain,
	}
}

func buildSoundFactory(ctx context.Context, cfg rdpserver.Config, logger *slog.Logger) func() rdpserver.SoundHandler {
	if !cfg.Audio.Enable {
		return nil
	}
	logger.Info("audio forwarding enabled (RDPSND)", "channels", cfg.Audio.Channels, "sample_rate", cfg.Audio.SampleRate)
	return func() rdpserver.SoundHandler {
		stream, err := capture.NewAudioStream(cfg.Audio.Channels, cfg.Audio.SampleRate, 32, logger)
		if err != nil {
			logger.Warn("failed to start audio capture", "error", err)
			return nil
		}
		if err := stream.Start(ctx); err != nil {
			logger.Warn("failed to start audio pipeline", "error", err)
			return nil
		}
		return rdpserver.NewPipeWireSoundHandler(ctx, stream, cfg.Audio.Channels, cfg.Audio.SampleRate, logger)
	}
}

// buildLiveServer drives the XDG Desktop Portal ScreenCast negotiation,
// starts PipeWire capture, connects a libei sender for input injection,
// and attaches an EGFX controller to the display, per spec.md §4.7. The
// EGFX bridge factory and event setter are not registered with any DVC
// channel here.
func buildLiveServer(ctx context.Context, cfg rdpserver.Config, tlsCtx *rdpserver.TLSContext, auth *rdpserver.AuthCredentials, clipboardFactory *rdpserver.ClipboardFactory, soundFactory func() rdpserver.SoundHandler, logger *slog.Logger) (*rdpserver.Server, error) {
	portalClient, err := capture.NewPortalClient(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to desktop portal: %w", err)
	}

	session, err := portalClient.StartScreenCast(ctx, "rdpd")
	if err != nil {
		return nil, fmt.Errorf("start screen cast: %w", err)
	}

	pwStream, err := capture.NewPipeWireStream(session.PipeWireFD, session.NodeID, cfg.Capture.ChannelCapacity, cfg.Capture.SwapColors, logger)
	if err != nil {
		return nil, fmt.Errorf("start pipewire capture: %w", err)
	}
	if err := pwStream.Start(ctx); err != nil {
		return nil, fmt.Errorf("start pipewire stream: %w", err)
	}

	monitor := capture.MonitorInfo{Width: session.Width, Height: session.Height}
	compositor := capture.NewCompositor([]capture.MonitorInfo{monitor}, []<-chan capture.CaptureEvent{pwStream.Events()}, cfg.Capture.ChannelCapacity, logger)
	go compositor.Run(ctx)

	eiSocket := os.Getenv("LIBEI_SOCKET")
	var inputHandler rdpserver.InputHandler = rdpserver.StaticInputHandler{Logger: logger}
	if eiSocket != "" {
		ei, err := input.NewEiInput(eiSocket, logger)
		if err != nil {
			logger.Warn("failed to connect to libei, input injection disabled", "error", err)
		} else {
			inputHandler = rdpserver.NewLiveInputHandler(ei, logger)
		}
	}

	display := rdpserver.NewLiveDisplay(compositor.Output(), session.Width, session.Height, logger)

	_, controller, eventSetter := egfx.New(session.Width, session.Height)
	display.SetEGFX(controller)
	_ = eventSetter // not wired here: no DVC output sink is installed, so SendFrame returns false

	liveInput, ok := inputHandler.(*rdpserver.LiveInputHandler)
	if !ok {
		return rdpserver.BuildViewOnlyServer(cfg.Bind, tlsCtx, auth, display, clipboardFactory, soundFactory, nil, logger), nil
	}
	return rdpserver.BuildLiveServer(cfg.Bind, tlsCtx, auth, display, liveInput, clipboardFactory, soundFactory, nil, logger), nil
}
