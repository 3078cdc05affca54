package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/framing"
	"github.com/srg/bleterm/internal/registry"
	"github.com/srg/bleterm/internal/ringchan"
	"github.com/srg/bleterm/internal/settings"
	"github.com/srg/bleterm/internal/transport"
)

// ScanInfo is the engine's view of the last scan request
type ScanInfo struct {
	State       transport.ScanState
	DeviceCount int
	Err         string
}

// Engine holds all session state for every device and funnels every mutation
// through one locked apply path. Instances are fully isolated: transport and
// storage collaborators are injected, so tests can run many engines side by
// side.
type Engine struct {
	transport transport.Transport
	settings  *settings.Manager
	logger    *logrus.Logger

	mu          sync.Mutex
	registry    *registry.Registry
	connections map[string]*transport.Connection
	subscribed  map[string]map[string]bool      // deviceID -> charKey -> ack'd subscription state
	lastWritten map[string]map[string]time.Time // deviceID -> charKey -> last write time
	sessions    map[string][]ConsoleEntry
	ui          map[string]*DeviceUI
	scan        ScanInfo

	decoder     *framing.Decoder
	actions     *actionLog
	nextEntryID atomic.Uint64
	consoleFeed *ringchan.RingChannel[ConsoleEntry]
	feedClosed  bool

	done chan struct{}
}

// New creates an engine over the given transport and settings storage and
// starts its event loop. Call Close to shut it down.
func New(tr transport.Transport, storage settings.Storage, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		transport:   tr,
		settings:    settings.NewManager(storage, logger),
		logger:      logger,
		registry:    registry.New(),
		connections: make(map[string]*transport.Connection),
		subscribed:  make(map[string]map[string]bool),
		lastWritten: make(map[string]map[string]time.Time),
		sessions:    make(map[string][]ConsoleEntry),
		ui:          make(map[string]*DeviceUI),
		scan:        ScanInfo{State: transport.ScanIdle},
		decoder:     framing.NewDecoder(),
		actions:     &actionLog{},
		consoleFeed: ringchan.New[ConsoleEntry](256),
		done:        make(chan struct{}),
	}
	go e.loop()
	return e
}

// Close shuts down the transport and waits for the event loop to drain
func (e *Engine) Close() error {
	err := e.transport.Close()
	<-e.done
	return err
}

// record appends an action to the bounded history. Callers hold e.mu (or are
// the actionLog's own lock suffices for log-only records).
func (e *Engine) record(kind ActionKind, deviceID, detail string) {
	e.actions.append(Action{Kind: kind, DeviceID: deviceID, Detail: detail, At: time.Now()})
	e.logger.WithFields(logrus.Fields{
		"action": kind,
		"device": deviceID,
		"detail": detail,
	}).Debug("Engine action")
}

// ActionLog returns a snapshot of the recent action history
func (e *Engine) ActionLog() []Action {
	return e.actions.snapshot()
}

// loop drains transport events into the engine until the transport closes its
// event channel, then closes the console feed so feed consumers unblock
func (e *Engine) loop() {
	defer close(e.done)
	for ev := range e.transport.Events() {
		e.handleEvent(ev)
	}
	e.mu.Lock()
	e.feedClosed = true
	e.mu.Unlock()
	e.consoleFeed.Close()
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.ScanStatus:
		e.handleScanStatus(ev)
	case transport.DeviceDiscovered:
		e.recordDiscovered(ev.Device, true)
	case transport.DeviceUpdated:
		e.recordDiscovered(ev.Device, false)
	case transport.ConnectionChanged:
		e.handleConnectionChanged(ev)
	case transport.CharacteristicValue:
		e.handleCharacteristicValue(ev)
	case transport.SubscriptionChanged:
		e.handleSubscriptionChanged(ev)
	}
}

func (e *Engine) handleScanStatus(ev transport.ScanStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scan = ScanInfo{State: ev.State, DeviceCount: ev.DeviceCount, Err: ev.Err}
	e.record(ActionScanStatus, "", string(ev.State))
}

// recordDiscovered upserts the registry snapshot for a discovery event.
// Discovery snapshots replace the stored device wholesale, but the
// engine-owned connection fields are copied forward first so a fresh
// advertisement never clobbers an active connection's status.
func (e *Engine) recordDiscovered(info transport.DeviceInfo, isNew bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dev := registry.Device{
		ID:               info.ID,
		Name:             info.Name,
		Address:          info.Address,
		RSSI:             info.RSSI,
		LastSeen:         info.LastSeen,
		ConnectionStatus: registry.StatusDisconnected,
	}
	if dev.LastSeen.IsZero() {
		dev.LastSeen = time.Now()
	}
	if prev, ok := e.registry.Get(info.ID); ok {
		dev.Connected = prev.Connected
		dev.ConnectionStatus = prev.ConnectionStatus
		dev.PreviouslyConnected = prev.PreviouslyConnected
		dev.ConnectedAt = prev.ConnectedAt
		dev.ConnectionLostAt = prev.ConnectionLostAt
	}
	e.registry.Upsert(dev)

	if isNew {
		e.record(ActionDeviceDiscovered, info.ID, info.Name)
	} else {
		e.record(ActionDeviceUpdated, info.ID, "")
	}
}

func (e *Engine) handleCharacteristicValue(ev transport.CharacteristicValue) {
	// Write echoes are recorded at write time; replaying them here would
	// double-log every outbound frame.
	if ev.Direction == transport.DirectionWrite {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.connections[ev.DeviceID]; !ok {
		e.record(ActionStaleEventIgnored, ev.DeviceID, "value for closed connection")
		return
	}
	e.ingestLocked(ev.DeviceID, ev.ServiceUUID, ev.CharUUID, ev.Value)
}

// ingestLocked runs inbound bytes through the framing decoder and appends one
// console entry per complete message
func (e *Engine) ingestLocked(deviceID, serviceUUID, charUUID string, value []byte) {
	s := e.settings.Get(deviceID)
	_, delimiter := s.RxFraming()

	key := deviceID + ":" + CharKey(serviceUUID, charUUID)
	messages, _ := e.decoder.Feed(key, value, delimiter)
	for _, msg := range messages {
		e.appendConsoleLocked(ConsoleEntry{
			Direction:    DirectionIn,
			Timestamp:    time.Now(),
			Raw:          msg,
			RenderFormat: s.DisplayFormat,
			DeviceID:     deviceID,
			ServiceUUID:  serviceUUID,
			CharUUID:     charUUID,
		})
	}
}

func (e *Engine) handleSubscriptionChanged(ev transport.SubscriptionChanged) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setSubscribedLocked(ev.DeviceID, CharKey(ev.ServiceUUID, ev.CharUUID), ev.Started)
}

// Scan runs a discovery pass. Discovery results arrive through the event
// stream; Scan itself blocks until the transport finishes or ctx ends.
func (e *Engine) Scan(ctx context.Context) error {
	e.mu.Lock()
	e.scan = ScanInfo{State: transport.ScanActive}
	e.record(ActionScanStarted, "", "")
	e.mu.Unlock()

	if err := e.transport.Scan(ctx); err != nil {
		e.mu.Lock()
		e.scan = ScanInfo{State: transport.ScanFailed, Err: err.Error()}
		e.record(ActionScanStatus, "", string(transport.ScanFailed))
		e.mu.Unlock()
		return fmt.Errorf("scan failed: %w", err)
	}

	// Completion state, including the per-scan device count, arrives through
	// the transport's ScanCompleted event.
	return nil
}

// ScanStatus returns the engine's view of the last scan
func (e *Engine) ScanStatus() ScanInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scan
}

// Devices returns the derived device view: connected first, then descending
// RSSI, optionally filtered by a case-insensitive substring on name/address.
func (e *Engine) Devices(query string) []registry.Device {
	return e.registry.SortedFiltered(query)
}

// Device returns the snapshot for a single device
func (e *Engine) Device(deviceID string) (registry.Device, bool) {
	return e.registry.Get(deviceID)
}

// ClearDevices forgets every discovered device without a live connection.
// Devices with an active connection keep their snapshots, so the lifecycle
// can still land them in disconnected or lost state later.
func (e *Engine) ClearDevices() {
	e.mu.Lock()
	defer e.mu.Unlock()
	devices := e.registry.All()
	e.registry.Clear()
	kept := 0
	for _, d := range devices {
		if _, live := e.connections[d.ID]; live {
			e.registry.Upsert(d)
			kept++
		}
	}
	e.record(ActionDevicesCleared, "", fmt.Sprintf("%d kept", kept))
}

// Connection returns the live capability graph for deviceID, if connected
func (e *Engine) Connection(deviceID string) (*transport.Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.connections[deviceID]
	return conn, ok
}

// findCharacteristicLocked resolves a characteristic in a live connection
func (e *Engine) findCharacteristicLocked(deviceID, serviceUUID, charUUID string) (transport.Characteristic, error) {
	conn, ok := e.connections[deviceID]
	if !ok {
		return transport.Characteristic{}, fmt.Errorf("device %s: %w", deviceID, transport.ErrNotConnected)
	}
	svc, ok := conn.Services[serviceUUID]
	if !ok {
		return transport.Characteristic{}, fmt.Errorf("service %q not found on device %s", serviceUUID, deviceID)
	}
	char, ok := svc.Characteristics[charUUID]
	if !ok {
		return transport.Characteristic{}, fmt.Errorf("characteristic %q not found in service %q", charUUID, serviceUUID)
	}
	return char, nil
}

// Read reads a characteristic value and runs it through the inbound framing
// path, so read results land in the console like any other received bytes.
func (e *Engine) Read(deviceID, serviceUUID, charUUID string) ([]byte, error) {
	e.mu.Lock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !char.Capabilities.Read {
		return nil, fmt.Errorf("characteristic %q does not support read", charUUID)
	}

	value, err := e.transport.Read(deviceID, serviceUUID, charUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.connections[deviceID]; ok {
		e.ingestLocked(deviceID, serviceUUID, charUUID, value)
	}
	return value, nil
}

// Write encodes user text per the device's send format, wraps it with the
// configured start/delimiter patterns and writes the frame. On success the
// full frame is appended to the console as an outbound entry. Malformed HEX
// input never reaches the transport and mutates no state.
func (e *Engine) Write(deviceID, serviceUUID, charUUID, text string) error {
	e.mu.Lock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	ui := e.uiLocked(deviceID)
	mode := ui.WriteMode
	e.mu.Unlock()

	withResponse, err := resolveWriteMode(char.Capabilities, mode)
	if err != nil {
		return err
	}

	s := e.settings.Get(deviceID)
	payload, err := codec.EncodeForSend(text, s.SendFormat, s.FillerPosition)
	if err != nil {
		return err
	}
	return e.writeFrame(deviceID, serviceUUID, charUUID, payload, withResponse, s)
}

// WriteBytes writes a raw payload, bypassing the send-format codec but still
// applying the configured framing. Used by the PTY bridge, where bytes arrive
// already encoded.
func (e *Engine) WriteBytes(deviceID, serviceUUID, charUUID string, payload []byte) error {
	e.mu.Lock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	mode := e.uiLocked(deviceID).WriteMode
	e.mu.Unlock()

	withResponse, err := resolveWriteMode(char.Capabilities, mode)
	if err != nil {
		return err
	}
	return e.writeFrame(deviceID, serviceUUID, charUUID, payload, withResponse, e.settings.Get(deviceID))
}

func (e *Engine) writeFrame(deviceID, serviceUUID, charUUID string, payload []byte, withResponse bool, s settings.DeviceSettings) error {
	start, delimiter := s.TxFraming()
	frame := framing.BuildFrame(payload, start, delimiter)

	if err := e.transport.Write(deviceID, serviceUUID, charUUID, frame, withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := CharKey(serviceUUID, charUUID)
	if e.lastWritten[deviceID] == nil {
		e.lastWritten[deviceID] = make(map[string]time.Time)
	}
	e.lastWritten[deviceID][key] = time.Now()
	e.record(ActionWriteSent, deviceID, key)
	e.appendConsoleLocked(ConsoleEntry{
		Direction:    DirectionOut,
		Timestamp:    time.Now(),
		Raw:          frame,
		RenderFormat: s.DisplayFormat,
		DeviceID:     deviceID,
		ServiceUUID:  serviceUUID,
		CharUUID:     charUUID,
	})
	return nil
}

// resolveWriteMode picks with/without response from the UI's write mode and
// the characteristic's capabilities
func resolveWriteMode(caps transport.Capabilities, mode WriteMode) (withResponse bool, err error) {
	switch mode {
	case WriteModeWrite:
		if !caps.Write {
			return false, fmt.Errorf("characteristic does not support write with response")
		}
		return true, nil
	case WriteModeNoResp:
		if !caps.WriteNoResp {
			return false, fmt.Errorf("characteristic does not support write without response")
		}
		return false, nil
	default:
		// No explicit mode: prefer write-with-response when available
		if caps.Write {
			return true, nil
		}
		if caps.WriteNoResp {
			return false, nil
		}
		return false, fmt.Errorf("characteristic does not support writes")
	}
}

// LastWritten returns when a characteristic was last written, if ever
func (e *Engine) LastWritten(deviceID, serviceUUID, charUUID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastWritten[deviceID][CharKey(serviceUUID, charUUID)]
	return t, ok
}

// DeviceSettings returns the settings for deviceID (defaults if never set)
func (e *Engine) DeviceSettings(deviceID string) settings.DeviceSettings {
	return e.settings.Get(deviceID)
}

// UpdateDeviceSettings applies a partial settings mutation and persists it
func (e *Engine) UpdateDeviceSettings(deviceID string, mutate func(*settings.DeviceSettings)) (settings.DeviceSettings, error) {
	s, err := e.settings.Apply(deviceID, mutate)
	e.record(ActionSettingsChanged, deviceID, "")
	return s, err
}

// ValidateHexInput validates user hex input without touching any state
func (e *Engine) ValidateHexInput(input string, filler codec.FillerPosition) codec.HexValidation {
	return codec.ValidateHexInput(input, filler)
}
