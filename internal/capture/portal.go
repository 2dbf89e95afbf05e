package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	portalBus             = "org.freedesktop.portal.Desktop"
	portalPath            = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	portalRequestIface    = "org.freedesktop.portal.Request"
	portalScreenCastIface = "org.freedesktop.portal.ScreenCast"

	// cursor_mode per xdg-desktop-portal: Hidden=1, Embedded=2, Metadata=4.
	// spec.md §4.4 requires Metadata so the compositor's cursor bitmap
	// arrives as PipeWire SPA metadata rather than baked into the frame.
	portalCursorModeMetadata = uint32(4)
	portalSourceTypeMonitor  = uint32(1)
)

// PortalSession is the result of a completed ScreenCast negotiation: the
// session object path, the PipeWire node to consume, a duplicated file
// descriptor usable by the local process, and a restore token to persist
// for faster reconnection next time.
type PortalSession struct {
	SessionHandle dbus.ObjectPath
	NodeID        uint32
	Width, Height uint16
	PipeWireFD    int
	RestoreToken  string
}

// PortalClient drives the XDG Desktop Portal ScreenCast interface over the
// session D-Bus connection, grounded on the teacher's portal request/
// response plumbing (signal subscription before the call, handle-token
// path construction, Response-signal polling).
type PortalClient struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewPortalClient connects to the session bus and waits for the portal
// service to answer introspection, retrying for up to one minute — the
// portal daemon and the user D-Bus session can both start after the RDP
// backend does.
func NewPortalClient(ctx context.Context, logger *slog.Logger) (*PortalClient, error) {
	var lastErr error
	for attempt := 0; attempt < 60; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		portalObj := conn.Object(portalBus, portalPath)
		if err := portalObj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		return &PortalClient{conn: conn, logger: logger}, nil
	}
	return nil, fmt.Errorf("capture: portal not ready after 60 attempts: %w", lastErr)
}

// Close releases the underlying D-Bus connection.
func (c *PortalClient) Close() error { return c.conn.Close() }

// restoreTokenPath is $XDG_RUNTIME_DIR/<appName>/restore_token, per
// spec.md §6's "Restore token file" contract.
func restoreTokenPath(appName string) (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("capture: XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, appName, "restore_token"), nil
}

// loadRestoreToken reads a previously persisted token, returning "" if
// none exists.
func loadRestoreToken(appName string) string {
	path, err := restoreTokenPath(appName)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// saveRestoreToken persists token under restoreTokenPath via
// write-temp-then-rename, matching the registry's persistence idiom.
func saveRestoreToken(appName, token string) error {
	if token == "" {
		return nil
	}
	path, err := restoreTokenPath(appName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// StartScreenCast runs the full CreateSession -> SelectSources -> Start ->
// OpenPipeWireRemote sequence and persists the resulting restore token.
func (c *PortalClient) StartScreenCast(ctx context.Context, appName string) (PortalSession, error) {
	sessionHandle, err := c.createSession(ctx)
	if err != nil {
		return PortalSession{}, fmt.Errorf("create session: %w", err)
	}

	restoreToken := loadRestoreToken(appName)
	if err := c.selectSources(ctx, sessionHandle, restoreToken); err != nil {
		return PortalSession{}, fmt.Errorf("select sources: %w", err)
	}

	nodeID, width, height, newToken, err := c.start(ctx, sessionHandle)
	if err != nil {
		return PortalSession{}, fmt.Errorf("start session: %w", err)
	}
	if newToken != "" {
		if err := saveRestoreToken(appName, newToken); err != nil {
			c.logger.Warn("failed to persist restore token", "err", err)
		}
	}

	fd, err := c.openPipeWireRemote(sessionHandle)
	if err != nil {
		return PortalSession{}, fmt.Errorf("open pipewire remote: %w", err)
	}

	return PortalSession{
		SessionHandle: sessionHandle,
		NodeID:        nodeID,
		Width:         width,
		Height:        height,
		PipeWireFD:    fd,
		RestoreToken:  newToken,
	}, nil
}

// requestPath builds the object path the portal will emit its Response
// signal on, derived from our own unique D-Bus connection name.
func (c *PortalClient) requestPath(token string) dbus.ObjectPath {
	sender := c.conn.Names()[0]
	var b strings.Builder
	for _, r := range sender[1:] {
		if r == '.' {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", b.String(), token))
}

func (c *PortalClient) subscribeResponse(path dbus.ObjectPath) (chan *dbus.Signal, func(), error) {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(portalRequestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, nil, err
	}
	ch := make(chan *dbus.Signal, 10)
	c.conn.Signal(ch)
	return ch, func() { c.conn.RemoveSignal(ch) }, nil
}

// awaitResponse blocks for the Response signal at path, returning its
// result dict on success (response code 0) or an error otherwise.
func (c *PortalClient) awaitResponse(ctx context.Context, ch chan *dbus.Signal) (map[string]dbus.Variant, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("capture: portal response timeout")
		case sig := <-ch:
			if len(sig.Body) < 2 {
				continue
			}
			code, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			if code != 0 {
				return nil, fmt.Errorf("capture: portal request failed, response code %d", code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func (c *PortalClient) createSession(ctx context.Context) (dbus.ObjectPath, error) {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	sessionToken := fmt.Sprintf("sess_%d", time.Now().UnixNano())
	reqPath := c.requestPath(requestToken)

	ch, cleanup, err := c.subscribeResponse(reqPath)
	if err != nil {
		return "", err
	}
	defer cleanup()

	portalObj := c.conn.Object(portalBus, portalPath)
	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(requestToken),
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}
	var returnedPath dbus.ObjectPath
	if err := portalObj.Call(portalScreenCastIface+".CreateSession", 0, options).Store(&returnedPath); err != nil {
		return "", err
	}

	results, err := c.awaitResponse(ctx, ch)
	if err != nil {
		return "", err
	}
	handleVariant, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("capture: CreateSession response missing session_handle")
	}
	handle, _ := handleVariant.Value().(string)
	return dbus.ObjectPath(handle), nil
}

func (c *PortalClient) selectSources(ctx context.Context, session dbus.ObjectPath, restoreToken string) error {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	reqPath := c.requestPath(requestToken)

	ch, cleanup, err := c.subscribeResponse(reqPath)
	if err != nil {
		return err
	}
	defer cleanup()

	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(requestToken),
		"types":        dbus.MakeVariant(portalSourceTypeMonitor),
		"cursor_mode":  dbus.MakeVariant(portalCursorModeMetadata),
		"persist_mode": dbus.MakeVariant(uint32(2)), // persist across reboots
	}
	if restoreToken != "" {
		options["restore_token"] = dbus.MakeVariant(restoreToken)
	}

	portalObj := c.conn.Object(portalBus, portalPath)
	var returnedPath dbus.ObjectPath
	if err := portalObj.Call(portalScreenCastIface+".SelectSources", 0, session, options).Store(&returnedPath); err != nil {
		return err
	}
	_, err = c.awaitResponse(ctx, ch)
	return err
}

func (c *PortalClient) start(ctx context.Context, session dbus.ObjectPath) (nodeID uint32, width, height uint16, restoreToken string, err error) {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	reqPath := c.requestPath(requestToken)

	ch, cleanup, subErr := c.subscribeResponse(reqPath)
	if subErr != nil {
		return 0, 0, 0, "", subErr
	}
	defer cleanup()

	options := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}
	portalObj := c.conn.Object(portalBus, portalPath)
	var returnedPath dbus.ObjectPath
	if callErr := portalObj.Call(portalScreenCastIface+".Start", 0, session, "", options).Store(&returnedPath); callErr != nil {
		return 0, 0, 0, "", callErr
	}

	results, respErr := c.awaitResponse(ctx, ch)
	if respErr != nil {
		return 0, 0, 0, "", respErr
	}

	if tokenVariant, ok := results["restore_token"]; ok {
		restoreToken, _ = tokenVariant.Value().(string)
	}

	streamsVariant, ok := results["streams"]
	if !ok {
		return 0, 0, 0, "", fmt.Errorf("capture: Start response missing streams")
	}
	streams, ok := streamsVariant.Value().([][]interface{})
	if !ok || len(streams) == 0 {
		return 0, 0, 0, "", fmt.Errorf("capture: Start response has no usable streams")
	}
	first := streams[0]
	if len(first) < 2 {
		return 0, 0, 0, "", fmt.Errorf("capture: malformed stream entry")
	}
	nid, ok := first[0].(uint32)
	if !ok {
		return 0, 0, 0, "", fmt.Errorf("capture: stream node id has unexpected type")
	}
	props, _ := first[1].(map[string]dbus.Variant)
	w, h := uint16(1920), uint16(1080)
	if sz, ok := props["size"]; ok {
		if pair, ok := sz.Value().([]int32); ok && len(pair) == 2 {
			w, h = uint16(pair[0]), uint16(pair[1])
		}
	}
	return nid, w, h, restoreToken, nil
}

func (c *PortalClient) openPipeWireRemote(session dbus.ObjectPath) (int, error) {
	portalObj := c.conn.Object(portalBus, portalPath)
	var fd dbus.UnixFD
	if err := portalObj.Call(portalScreenCastIface+".OpenPipeWireRemote", 0, session, map[string]dbus.Variant{}).Store(&fd); err != nil {
		return 0, err
	}
	// Duplicate: the dbus library may close the original fd once the
	// message carrying it is garbage collected.
	dup, err := syscall.Dup(int(fd))
	if err != nil {
		c.logger.Warn("failed to dup pipewire fd, using original", "err", err)
		return int(fd), nil
	}
	return dup, nil
}
