// Package transport defines the abstract BLE transport consumed by the
// engine: asynchronous scan/connect/read/write/subscribe commands plus a
// tagged-union event stream for discovery, connection and value events.
//
// Implementations live in subpackages (goble) and in internal/testutils for
// tests. The engine never touches a radio directly.
package transport

import (
	"context"
	"time"
)

// Capabilities are the property flags a characteristic was discovered with.
// They are immutable once reported at connect time.
type Capabilities struct {
	Read        bool `json:"read"`
	Write       bool `json:"write"`
	WriteNoResp bool `json:"writeNoResp"`
	Notify      bool `json:"notify"`
	Indicate    bool `json:"indicate"`
}

// Characteristic describes a single characteristic of a connected device
type Characteristic struct {
	UUID         string       `json:"uuid"`
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Service describes a GATT service and its characteristics
type Service struct {
	UUID            string                    `json:"uuid"`
	Name            string                    `json:"name"`
	Characteristics map[string]Characteristic `json:"characteristics"`
}

// Connection is the service/characteristic capability graph reported by the
// transport when a connect completes
type Connection struct {
	DeviceID    string             `json:"deviceId"`
	Services    map[string]Service `json:"services"`
	ConnectedAt time.Time          `json:"connectedAt"`
}

// DeviceInfo is a discovery snapshot emitted with DeviceDiscovered/Updated
type DeviceInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"lastSeen"`
}

// ValueDirection tags how a characteristic value was produced
type ValueDirection string

const (
	DirectionRead         ValueDirection = "read"
	DirectionWrite        ValueDirection = "write"
	DirectionNotification ValueDirection = "notification"
)

// ScanState is the lifecycle of a scan request
type ScanState string

const (
	ScanIdle      ScanState = "idle"
	ScanActive    ScanState = "scanning"
	ScanCompleted ScanState = "completed"
	ScanFailed    ScanState = "failed"
)

// LinkState is the connection state reported by ConnectionChanged events
type LinkState string

const (
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkLost         LinkState = "lost"
)

// Event is the tagged union of everything a transport can report out-of-band.
// Consumers type-switch over the concrete types below.
type Event interface {
	event()
}

// ScanStatus reports a scan phase change
type ScanStatus struct {
	State       ScanState
	DeviceCount int
	Err         string // non-empty only when State == ScanFailed
}

// DeviceDiscovered reports a device seen for the first time
type DeviceDiscovered struct {
	Device DeviceInfo
}

// DeviceUpdated reports a fresh advertisement from a known device
type DeviceUpdated struct {
	Device DeviceInfo
}

// ConnectionChanged reports a link state transition. Connection is non-nil
// only when State == LinkConnected. It may arrive independently of the
// Connect call's own return; both paths converge on the same engine
// transition.
type ConnectionChanged struct {
	DeviceID   string
	State      LinkState
	Connection *Connection
}

// CharacteristicValue carries bytes produced by a read, write echo or
// notification. Bytes for a given device+service+characteristic are assumed
// delivered in send order.
type CharacteristicValue struct {
	DeviceID    string
	ServiceUUID string
	CharUUID    string
	Value       []byte
	Direction   ValueDirection
}

// SubscriptionChanged acknowledges a subscribe/unsubscribe taking effect
type SubscriptionChanged struct {
	DeviceID    string
	ServiceUUID string
	CharUUID    string
	Started     bool
}

func (ScanStatus) event()          {}
func (DeviceDiscovered) event()    {}
func (DeviceUpdated) event()       {}
func (ConnectionChanged) event()   {}
func (CharacteristicValue) event() {}
func (SubscriptionChanged) event() {}

// Transport is the abstract BLE transport contract. All commands may fail;
// failures are per-operation and recoverable by retry. Events() delivers the
// out-of-band event stream; the channel is closed when the transport shuts
// down.
type Transport interface {
	Scan(ctx context.Context) error
	Connect(ctx context.Context, deviceID string) (*Connection, error)
	Disconnect(deviceID string) error
	Read(deviceID, serviceUUID, charUUID string) ([]byte, error)
	Write(deviceID, serviceUUID, charUUID string, data []byte, withResponse bool) error
	Subscribe(deviceID, serviceUUID, charUUID string) error
	Unsubscribe(deviceID, serviceUUID, charUUID string) error
	Events() <-chan Event
	Close() error
}
