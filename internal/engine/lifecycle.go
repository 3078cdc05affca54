package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/bleterm/internal/registry"
	"github.com/srg/bleterm/internal/transport"
)

// Connect drives the connecting transition for deviceID and issues the
// transport connect. The transport may additionally report the new connection
// through a ConnectionChanged event; both paths converge on the same guarded
// completion, so whichever arrives first wins and the other is a no-op.
func (e *Engine) Connect(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	dev, ok := e.registry.Get(deviceID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, transport.ErrUnknownDevice)
	}
	switch dev.ConnectionStatus {
	case registry.StatusConnected:
		e.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, transport.ErrAlreadyConnected)
	case registry.StatusConnecting, registry.StatusDisconnecting:
		e.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, transport.ErrConnectPending)
	}
	e.setStatusLocked(deviceID, registry.StatusConnecting)
	e.record(ActionConnectStarted, deviceID, "")
	e.mu.Unlock()

	conn, err := e.transport.Connect(ctx, deviceID)
	if err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		// Revert the optimistic transition unless an out-of-band event has
		// already moved the device on
		if dev, ok := e.registry.Get(deviceID); ok && dev.ConnectionStatus == registry.StatusConnecting {
			e.setStatusLocked(deviceID, registry.StatusDisconnected)
		}
		e.record(ActionConnectFailed, deviceID, err.Error())
		return fmt.Errorf("failed to connect to %s: %w", deviceID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.completeConnectLocked(deviceID, conn)
	return nil
}

// completeConnectLocked finishes a connect if, and only if, the device is
// still in connecting state. A completion for any other state is stale and
// ignored.
func (e *Engine) completeConnectLocked(deviceID string, conn *transport.Connection) {
	dev, ok := e.registry.Get(deviceID)
	if !ok || dev.ConnectionStatus != registry.StatusConnecting {
		e.record(ActionStaleEventIgnored, deviceID, "connect completion")
		return
	}
	if conn == nil {
		conn = &transport.Connection{DeviceID: deviceID, Services: map[string]transport.Service{}}
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}

	e.connections[deviceID] = conn
	connectedAt := conn.ConnectedAt
	e.registry.Update(deviceID, func(d *registry.Device) {
		d.Connected = true
		d.ConnectionStatus = registry.StatusConnected
		d.ConnectedAt = &connectedAt
		d.PreviouslyConnected = true
	})
	if _, ok := e.ui[deviceID]; !ok {
		e.ui[deviceID] = newDeviceUI()
	}
	if e.subscribed[deviceID] == nil {
		e.subscribed[deviceID] = make(map[string]bool)
	}
	e.record(ActionConnectCompleted, deviceID, fmt.Sprintf("%d services", len(conn.Services)))
}

// Disconnect is the named teardown procedure: unsubscribe everything, archive
// the console, reset UI selections, drop partial framing buffers, then issue
// the transport disconnect. Every step is best-effort; a failing unsubscribe
// is logged and never blocks the steps after it.
func (e *Engine) Disconnect(deviceID string) error {
	e.mu.Lock()
	_, live := e.connections[deviceID]
	dev, known := e.registry.Get(deviceID)
	switch {
	case known && (dev.ConnectionStatus == registry.StatusConnected || dev.ConnectionStatus == registry.StatusLost):
	case !known && live:
		// Snapshot gone but the connection object is real; tear it down anyway
	default:
		e.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, transport.ErrNotConnected)
	}
	wasLost := known && dev.ConnectionStatus == registry.StatusLost
	e.setStatusLocked(deviceID, registry.StatusDisconnecting)
	e.record(ActionDisconnectStarted, deviceID, "")
	e.mu.Unlock()

	if err := e.UnsubscribeAll(deviceID); err != nil {
		e.logger.WithError(err).WithField("device", deviceID).Warn("Partial teardown: unsubscribe failed, continuing disconnect")
	}
	e.MarkConsolePrevious(deviceID)

	e.mu.Lock()
	delete(e.ui, deviceID)
	e.mu.Unlock()
	e.decoder.ResetPrefix(deviceID + ":")

	if !wasLost {
		if err := e.transport.Disconnect(deviceID); err != nil {
			// Best-effort: the local session is torn down regardless
			e.logger.WithError(err).WithField("device", deviceID).Warn("Transport disconnect failed, completing teardown locally")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.completeDisconnectLocked(deviceID)
	return nil
}

// completeDisconnectLocked removes the connection and lands the device in
// disconnected state. Only meaningful while disconnecting; anything else is a
// stale completion. The connection object is destroyed even when the registry
// snapshot is gone, so a cleared registry can never strand a live connection.
func (e *Engine) completeDisconnectLocked(deviceID string) {
	_, live := e.connections[deviceID]
	dev, known := e.registry.Get(deviceID)
	if known && dev.ConnectionStatus != registry.StatusDisconnecting {
		e.record(ActionStaleEventIgnored, deviceID, "disconnect completion")
		return
	}
	if !known && !live {
		e.record(ActionStaleEventIgnored, deviceID, "disconnect completion")
		return
	}
	delete(e.connections, deviceID)
	delete(e.subscribed, deviceID)
	if known {
		now := time.Now()
		e.registry.Update(deviceID, func(d *registry.Device) {
			d.Connected = false
			d.ConnectionStatus = registry.StatusDisconnected
			d.ConnectedAt = nil
			d.ConnectionLostAt = &now
		})
	}
	e.record(ActionDisconnectDone, deviceID, "")
}

// markLostLocked handles a transport-initiated drop: the connection object is
// destroyed and the device lands in lost state, independent of any in-flight
// disconnect request.
func (e *Engine) markLostLocked(deviceID string) {
	_, live := e.connections[deviceID]
	dev, known := e.registry.Get(deviceID)
	expecting := known && (dev.ConnectionStatus == registry.StatusConnected || dev.ConnectionStatus == registry.StatusDisconnecting)
	if !live && !expecting {
		e.record(ActionStaleEventIgnored, deviceID, "connection lost")
		return
	}
	delete(e.connections, deviceID)
	delete(e.subscribed, deviceID)
	if known {
		now := time.Now()
		e.registry.Update(deviceID, func(d *registry.Device) {
			d.Connected = false
			d.ConnectionStatus = registry.StatusLost
			d.ConnectedAt = nil
			d.ConnectionLostAt = &now
		})
	}
	e.decoder.ResetPrefix(deviceID + ":")
	e.record(ActionConnectionLost, deviceID, "")
}

func (e *Engine) handleConnectionChanged(ev transport.ConnectionChanged) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.State {
	case transport.LinkConnected:
		e.completeConnectLocked(ev.DeviceID, ev.Connection)
	case transport.LinkDisconnected:
		dev, ok := e.registry.Get(ev.DeviceID)
		if ok && dev.ConnectionStatus == registry.StatusDisconnecting {
			e.completeDisconnectLocked(ev.DeviceID)
		} else {
			// A disconnect nobody asked for is a lost connection
			e.markLostLocked(ev.DeviceID)
		}
	case transport.LinkLost:
		e.markLostLocked(ev.DeviceID)
	}
}

// setStatusLocked updates a device's lifecycle status while keeping the
// Connected flag consistent with it
func (e *Engine) setStatusLocked(deviceID string, status registry.ConnectionStatus) {
	e.registry.Update(deviceID, func(d *registry.Device) {
		d.ConnectionStatus = status
		d.Connected = status == registry.StatusConnected
	})
}
