package testutils

import (
	"time"

	"github.com/srg/bleterm/internal/transport"
)

// ConnectionBuilder builds transport.Connection capability graphs for tests
// with a fluent API.
//
//	conn := testutils.NewConnectionBuilder("dev-1").
//		WithService("180d", "Heart Rate").
//		WithCharacteristic("180d", "2a37", "Measurement", transport.Capabilities{Notify: true}).
//		Build()
type ConnectionBuilder struct {
	conn *transport.Connection
}

// NewConnectionBuilder starts a builder for deviceID
func NewConnectionBuilder(deviceID string) *ConnectionBuilder {
	return &ConnectionBuilder{
		conn: &transport.Connection{
			DeviceID:    deviceID,
			Services:    make(map[string]transport.Service),
			ConnectedAt: time.Now(),
		},
	}
}

// WithService adds an empty service
func (b *ConnectionBuilder) WithService(uuid, name string) *ConnectionBuilder {
	b.conn.Services[uuid] = transport.Service{
		UUID:            uuid,
		Name:            name,
		Characteristics: make(map[string]transport.Characteristic),
	}
	return b
}

// WithCharacteristic adds a characteristic to a previously added service.
// Panics if the service is missing; that is a test bug.
func (b *ConnectionBuilder) WithCharacteristic(serviceUUID, uuid, name string, caps transport.Capabilities) *ConnectionBuilder {
	svc, ok := b.conn.Services[serviceUUID]
	if !ok {
		panic("testutils: WithCharacteristic before WithService for " + serviceUUID)
	}
	svc.Characteristics[uuid] = transport.Characteristic{
		UUID:         uuid,
		Name:         name,
		Capabilities: caps,
	}
	return b
}

// Build returns the assembled connection
func (b *ConnectionBuilder) Build() *transport.Connection {
	return b.conn
}

// DeviceInfoBuilder builds discovery snapshots for tests
type DeviceInfoBuilder struct {
	info transport.DeviceInfo
}

// NewDeviceInfoBuilder starts a builder for id
func NewDeviceInfoBuilder(id string) *DeviceInfoBuilder {
	return &DeviceInfoBuilder{info: transport.DeviceInfo{ID: id, Address: id, LastSeen: time.Now()}}
}

// WithName sets the advertised name
func (b *DeviceInfoBuilder) WithName(name string) *DeviceInfoBuilder {
	b.info.Name = name
	return b
}

// WithAddress sets the address
func (b *DeviceInfoBuilder) WithAddress(addr string) *DeviceInfoBuilder {
	b.info.Address = addr
	return b
}

// WithRSSI sets the signal strength
func (b *DeviceInfoBuilder) WithRSSI(rssi int) *DeviceInfoBuilder {
	b.info.RSSI = rssi
	return b
}

// Build returns the assembled snapshot
func (b *DeviceInfoBuilder) Build() transport.DeviceInfo {
	return b.info
}
