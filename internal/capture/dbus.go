package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	ekosCaptureInterface = "org.kde.kstars.Ekos.Capture"
	ekosCapturePath      = "/KStars/Ekos/Capture"
	captureCompleteName  = "captureComplete"
)

// DBusSource listens for the Ekos captureComplete signal on the session bus.
type DBusSource struct {
	log *slog.Logger
	// connect is replaced in tests.
	connect func() (*dbus.Conn, error)
}

func NewDBusSource(logger *slog.Logger) *DBusSource {
	return &DBusSource{
		log:     logger,
		connect: func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() },
	}
}

func (s *DBusSource) Run(ctx context.Context, emit func(Event)) error {
	conn, err := s.connect()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(ekosCapturePath),
		dbus.WithMatchInterface(ekosCaptureInterface),
		dbus.WithMatchMember(captureCompleteName),
	); err != nil {
		return fmt.Errorf("failed to subscribe to %s.%s: %w", ekosCaptureInterface, captureCompleteName, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	s.log.Info("listening for capture events", "interface", ekosCaptureInterface, "path", ekosCapturePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus connection closed")
			}
			ev, err := eventFromSignal(sig)
			if err != nil {
				s.log.Warn("ignoring malformed capture signal", "error", err)
				continue
			}
			emit(ev)
		}
	}
}

func eventFromSignal(sig *dbus.Signal) (Event, error) {
	if sig.Name != ekosCaptureInterface+"."+captureCompleteName {
		return Event{}, fmt.Errorf("unexpected signal %s", sig.Name)
	}
	if len(sig.Body) == 0 {
		return Event{}, fmt.Errorf("signal has no body")
	}
	props, ok := sig.Body[0].(map[string]dbus.Variant)
	if !ok {
		return Event{}, fmt.Errorf("signal body is %T, expected a{sv}", sig.Body[0])
	}
	fields := make(map[string]any, len(props))
	for k, v := range props {
		fields[k] = v.Value()
	}
	ev, err := FromFields(fields)
	if err != nil {
		return Event{}, err
	}
	ev.Source = "dbus"
	return ev, nil
}
