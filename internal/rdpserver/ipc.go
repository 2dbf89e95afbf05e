package rdpserver

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

// IPC bus name/path for the backend's user-bus service, per spec.md §6.
const (
	backendBusName    = "org.deskrelay.Desktop1"
	backendObjectPath = dbus.ObjectPath("/org/deskrelay/Desktop1")
)

// Status codes returned by GetStatus, matching the lifecycle this backend
// process moves through.
const (
	StatusStarting uint8 = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

// IPCHandlers is the set of callbacks ServeIPC invokes for the mutating
// RPCs; Reload should re-read config and re-run ValidateSecurityGate,
// Stop should begin graceful shutdown.
type IPCHandlers struct {
	Reload func() bool
	Stop   func() bool
}

// ipcService implements the backend's D-Bus method surface: GetStatus,
// Reload, Stop. The Running/BoundAddress properties and the
// StatusChanged/ClientConnected/ClientDisconnected signals are handled
// through the embedded prop.Properties and direct conn.Emit calls.
type ipcService struct {
	conn     *dbus.Conn
	props    *prop.Properties
	handlers IPCHandlers
	logger   *slog.Logger
	ownerUID int
	status   atomic.Uint32
}

// GetStatus returns the current lifecycle status code.
func (s *ipcService) GetStatus() (uint8, *dbus.Error) {
	return uint8(s.status.Load()), nil
}

// Reload re-reads configuration if the caller's UID matches this
// service's owning UID, per spec.md §6's access-control requirement on
// mutating methods.
func (s *ipcService) Reload(sender dbus.Sender) (bool, *dbus.Error) {
	if err := s.checkCallerUID(sender); err != nil {
		return false, dbus.MakeFailedError(err)
	}
	if s.handlers.Reload == nil {
		return false, nil
	}
	return s.handlers.Reload(), nil
}

// Stop begins graceful shutdown if the caller's UID matches.
func (s *ipcService) Stop(sender dbus.Sender) (bool, *dbus.Error) {
	if err := s.checkCallerUID(sender); err != nil {
		return false, dbus.MakeFailedError(err)
	}
	if s.handlers.Stop == nil {
		return false, nil
	}
	return s.handlers.Stop(), nil
}

// checkCallerUID rejects the call unless the D-Bus connection's peer UID
// matches the UID that owns this process, per spec.md §6: "Mutating
// methods (Reload, Stop) MUST verify the caller's UID matches the
// service's UID and reject with access-denied otherwise."
func (s *ipcService) checkCallerUID(sender dbus.Sender) error {
	var uid uint32
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid); err != nil {
		return fmt.Errorf("access denied: could not resolve caller UID: %w", err)
	}
	if int(uid) != s.ownerUID {
		return fmt.Errorf("access denied: caller UID %d does not match service UID %d", uid, s.ownerUID)
	}
	return nil
}

// SetStatus updates the status property, the Running property, and emits
// StatusChanged.
func (s *ipcService) SetStatus(status uint8) {
	s.status.Store(uint32(status))
	_ = s.props.Set(backendBusName, "Running", dbus.MakeVariant(status == StatusRunning))
	if err := s.conn.Emit(backendObjectPath, backendBusName+".StatusChanged", status); err != nil {
		s.logger.Warn("failed to emit StatusChanged", "error", err)
	}
}

// SetBoundAddress updates the BoundAddress property.
func (s *ipcService) SetBoundAddress(addr string) {
	_ = s.props.Set(backendBusName, "BoundAddress", dbus.MakeVariant(addr))
}

// EmitClientConnected signals that a client connected from addr.
func (s *ipcService) EmitClientConnected(addr string) {
	if err := s.conn.Emit(backendObjectPath, backendBusName+".ClientConnected", addr); err != nil {
		s.logger.Warn("failed to emit ClientConnected", "error", err)
	}
}

// EmitClientDisconnected signals that a client at addr disconnected.
func (s *ipcService) EmitClientDisconnected(addr string) {
	if err := s.conn.Emit(backendObjectPath, backendBusName+".ClientDisconnected", addr); err != nil {
		s.logger.Warn("failed to emit ClientDisconnected", "error", err)
	}
}

// ServeIPC exports the backend's D-Bus method/property surface on the
// session (user) bus. Returns the service handle so the caller can push
// status/address updates and emit connection signals.
func ServeIPC(conn *dbus.Conn, handlers IPCHandlers, logger *slog.Logger) (*ipcService, error) {
	svc := &ipcService{conn: conn, handlers: handlers, logger: logger, ownerUID: os.Getuid()}

	if err := conn.Export(svc, backendObjectPath, backendBusName); err != nil {
		return nil, fmt.Errorf("export backend IPC methods: %w", err)
	}

	props, err := prop.Export(conn, backendObjectPath, prop.Map{
		backendBusName: {
			"Running":      {Value: false, Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"BoundAddress": {Value: "", Writable: false, Emit: prop.EmitTrue, Callback: nil},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("export backend IPC properties: %w", err)
	}
	svc.props = props

	reply, err := conn.RequestName(backendBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already taken", backendBusName)
	}

	logger.Info("backend IPC service registered", "name", backendBusName)
	return svc, nil
}
