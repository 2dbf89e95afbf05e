package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// IPC bus name/path for the broker's system-bus service, per
// SPEC_FULL.md §6.
const (
	brokerBusName    = "org.deskrelay.Broker1"
	brokerObjectPath = dbus.ObjectPath("/org/deskrelay/Broker1")
)

// ipcService implements the broker's D-Bus method surface: ListSessions,
// ActiveSessionCount, TerminateSession.
type ipcService struct {
	broker *Broker
	logger *slog.Logger
}

// ListSessions returns the registry contents as a JSON string.
func (s *ipcService) ListSessions() (string, *dbus.Error) {
	data, err := json.Marshal(s.broker.registry.List())
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// ActiveSessionCount returns the number of sessions currently registered.
func (s *ipcService) ActiveSessionCount() (uint32, *dbus.Error) {
	return uint32(s.broker.registry.Count()), nil
}

// TerminateSession stops and removes the named session, returning false
// if no such session exists.
func (s *ipcService) TerminateSession(username string) (bool, *dbus.Error) {
	entry, ok := s.broker.registry.Get(username)
	if !ok {
		return false, nil
	}
	if entry.UnitName != "" {
		_ = s.broker.spawner.Stop(context.Background(), entry.UnitName)
	}
	s.broker.registry.Remove(username)
	s.logger.Info("session terminated via IPC", "username", username)
	return true, nil
}

// ServeIPC exports the broker's D-Bus method surface on the system bus
// and returns once the bus name is owned; conn dispatches incoming calls
// on its own goroutines until it is closed.
func ServeIPC(conn *dbus.Conn, b *Broker, logger *slog.Logger) error {
	svc := &ipcService{broker: b, logger: logger}
	if err := conn.Export(svc, brokerObjectPath, brokerBusName); err != nil {
		return fmt.Errorf("export broker IPC: %w", err)
	}
	reply, err := conn.RequestName(brokerBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", brokerBusName)
	}
	logger.Info("broker IPC service registered", "name", brokerBusName)
	return nil
}
