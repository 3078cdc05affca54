// Package testutils provides a scripted mock transport, fluent builders for
// connection capability graphs and an in-memory settings store for engine
// tests.
package testutils

import (
	"context"
	"sync"

	"github.com/srg/bleterm/internal/ringchan"
	"github.com/srg/bleterm/internal/transport"
)

// Call records one transport command issued by the engine
type Call struct {
	Op           string // "scan", "connect", "disconnect", "read", "write", "subscribe", "unsubscribe"
	DeviceID     string
	ServiceUUID  string
	CharUUID     string
	Data         []byte
	WithResponse bool
}

// MockTransport is a scripted transport.Transport. Behavior is configured by
// populating the exported fields before use; every command issued is recorded
// and can be asserted on.
type MockTransport struct {
	mu sync.Mutex

	// Scripted behavior
	Advertisements []transport.DeviceInfo             // emitted as DeviceDiscovered during Scan
	Connections    map[string]*transport.Connection   // returned by Connect, keyed by device ID
	ReadValues     map[string][]byte                  // returned by Read, keyed by dev:svc:char
	Errors         map[string]error                   // per-op errors, keyed by op name

	calls  []Call
	events *ringchan.RingChannel[transport.Event]
	closed bool
}

// NewMockTransport creates an empty scripted transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Connections: make(map[string]*transport.Connection),
		ReadValues:  make(map[string][]byte),
		Errors:      make(map[string]error),
		events:      ringchan.New[transport.Event](100),
	}
}

// Emit injects an out-of-band transport event, as a radio would
func (m *MockTransport) Emit(ev transport.Event) {
	m.events.Send(ev)
}

// Calls returns a copy of every recorded command
func (m *MockTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded commands matching op
func (m *MockTransport) CallsFor(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockTransport) recordCall(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *MockTransport) scriptedErr(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Errors[op]
}

// Scan emits the scripted advertisements and returns
func (m *MockTransport) Scan(_ context.Context) error {
	m.recordCall(Call{Op: "scan"})
	if err := m.scriptedErr("scan"); err != nil {
		m.Emit(transport.ScanStatus{State: transport.ScanFailed, Err: err.Error()})
		return err
	}
	m.Emit(transport.ScanStatus{State: transport.ScanActive})
	for _, adv := range m.Advertisements {
		m.Emit(transport.DeviceDiscovered{Device: adv})
	}
	m.Emit(transport.ScanStatus{State: transport.ScanCompleted, DeviceCount: len(m.Advertisements)})
	return nil
}

// Connect returns the scripted connection for deviceID
func (m *MockTransport) Connect(_ context.Context, deviceID string) (*transport.Connection, error) {
	m.recordCall(Call{Op: "connect", DeviceID: deviceID})
	if err := m.scriptedErr("connect"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	conn := m.Connections[deviceID]
	m.mu.Unlock()
	if conn == nil {
		return nil, &transport.ConnectionError{State: transport.UnknownDevice, Msg: deviceID}
	}
	return conn, nil
}

// Disconnect records the call and succeeds unless scripted otherwise
func (m *MockTransport) Disconnect(deviceID string) error {
	m.recordCall(Call{Op: "disconnect", DeviceID: deviceID})
	return m.scriptedErr("disconnect")
}

// Read returns the scripted value for the characteristic
func (m *MockTransport) Read(deviceID, serviceUUID, charUUID string) ([]byte, error) {
	m.recordCall(Call{Op: "read", DeviceID: deviceID, ServiceUUID: serviceUUID, CharUUID: charUUID})
	if err := m.scriptedErr("read"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadValues[deviceID+":"+serviceUUID+":"+charUUID], nil
}

// Write records the written frame
func (m *MockTransport) Write(deviceID, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.recordCall(Call{
		Op:           "write",
		DeviceID:     deviceID,
		ServiceUUID:  serviceUUID,
		CharUUID:     charUUID,
		Data:         buf,
		WithResponse: withResponse,
	})
	return m.scriptedErr("write")
}

// Subscribe records the call
func (m *MockTransport) Subscribe(deviceID, serviceUUID, charUUID string) error {
	m.recordCall(Call{Op: "subscribe", DeviceID: deviceID, ServiceUUID: serviceUUID, CharUUID: charUUID})
	return m.scriptedErr("subscribe")
}

// Unsubscribe records the call
func (m *MockTransport) Unsubscribe(deviceID, serviceUUID, charUUID string) error {
	m.recordCall(Call{Op: "unsubscribe", DeviceID: deviceID, ServiceUUID: serviceUUID, CharUUID: charUUID})
	return m.scriptedErr("unsubscribe")
}

// Events returns the injected event stream
func (m *MockTransport) Events() <-chan transport.Event {
	return m.events.C()
}

// Close closes the event stream
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.events.Close()
	}
	return nil
}
