// Package goble implements the engine's transport contract on top of the
// go-ble BLE stack.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleterm/internal/ringchan"
	"github.com/srg/bleterm/internal/transport"
)

// normalizeUUID converts a UUID string to lowercase without dashes so lookups
// are stable regardless of how the stack renders them
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// peer is one connected device's client state
type peer struct {
	client  ble.Client
	chars   map[string]*ble.Characteristic // CharKey(service, char) -> characteristic
	indOnly map[string]bool                // characteristics that only support indications
}

// Adapter is a transport.Transport backed by go-ble
type Adapter struct {
	logger *logrus.Logger
	events *ringchan.RingChannel[transport.Event]

	mu     sync.Mutex
	dev    ble.Device
	peers  map[string]*peer
	seen   map[string]struct{}
	closed bool
}

// New creates an adapter. The BLE device itself is created lazily on the
// first command so constructing an Adapter never touches the radio.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		logger: logger,
		events: ringchan.New[transport.Event](256),
		peers:  make(map[string]*peer),
		seen:   make(map[string]struct{}),
	}
}

// Events returns the adapter's event stream
func (a *Adapter) Events() <-chan transport.Event {
	return a.events.C()
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	a.dev = dev
	return dev, nil
}

// Scan discovers advertising peripherals until ctx ends, emitting
// DeviceDiscovered/DeviceUpdated events as advertisements arrive
func (a *Adapter) Scan(ctx context.Context) error {
	dev, err := a.device()
	if err != nil {
		a.events.Send(transport.ScanStatus{State: transport.ScanFailed, Err: err.Error()})
		return err
	}

	a.events.Send(transport.ScanStatus{State: transport.ScanActive})
	err = dev.Scan(ctx, true, a.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.events.Send(transport.ScanStatus{State: transport.ScanFailed, Err: err.Error()})
		return fmt.Errorf("scan failed: %w", err)
	}

	a.mu.Lock()
	count := len(a.seen)
	a.mu.Unlock()
	a.events.Send(transport.ScanStatus{State: transport.ScanCompleted, DeviceCount: count})
	return nil
}

func (a *Adapter) handleAdvertisement(adv ble.Advertisement) {
	addr := adv.Addr().String()
	info := transport.DeviceInfo{
		ID:       addr,
		Name:     adv.LocalName(),
		Address:  addr,
		RSSI:     adv.RSSI(),
		LastSeen: time.Now(),
	}

	a.mu.Lock()
	_, known := a.seen[addr]
	a.seen[addr] = struct{}{}
	a.mu.Unlock()

	if known {
		a.events.Send(transport.DeviceUpdated{Device: info})
	} else {
		a.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
		a.events.Send(transport.DeviceDiscovered{Device: info})
	}
}

// Connect dials the device, discovers its GATT profile and returns the
// capability graph. A watcher goroutine reports unexpected drops as LinkLost.
func (a *Adapter) Connect(ctx context.Context, deviceID string) (*transport.Connection, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}

	client, err := dev.Dial(ctx, ble.NewAddr(deviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", deviceID, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile of %s: %w", deviceID, err)
	}

	p := &peer{
		client:  client,
		chars:   make(map[string]*ble.Characteristic),
		indOnly: make(map[string]bool),
	}
	conn := &transport.Connection{
		DeviceID:    deviceID,
		Services:    make(map[string]transport.Service),
		ConnectedAt: time.Now(),
	}

	for _, svc := range profile.Services {
		svcUUID := normalizeUUID(svc.UUID.String())
		service := transport.Service{
			UUID:            svcUUID,
			Name:            KnownServiceName(svcUUID),
			Characteristics: make(map[string]transport.Characteristic),
		}
		for _, char := range svc.Characteristics {
			charUUID := normalizeUUID(char.UUID.String())
			caps := transport.Capabilities{
				Read:        char.Property&ble.CharRead != 0,
				Write:       char.Property&ble.CharWrite != 0,
				WriteNoResp: char.Property&ble.CharWriteNR != 0,
				Notify:      char.Property&ble.CharNotify != 0,
				Indicate:    char.Property&ble.CharIndicate != 0,
			}
			service.Characteristics[charUUID] = transport.Characteristic{
				UUID:         charUUID,
				Name:         KnownCharacteristicName(charUUID),
				Capabilities: caps,
			}
			key := svcUUID + ":" + charUUID
			p.chars[key] = char
			p.indOnly[key] = caps.Indicate && !caps.Notify
		}
		conn.Services[svcUUID] = service
	}

	a.mu.Lock()
	a.peers[deviceID] = p
	a.mu.Unlock()

	go a.watchDisconnect(deviceID, client)

	a.logger.WithFields(logrus.Fields{
		"device":   deviceID,
		"services": len(conn.Services),
	}).Info("Connected to device")
	return conn, nil
}

// watchDisconnect reports a drop as LinkLost unless the peer was removed by
// an intentional Disconnect first
func (a *Adapter) watchDisconnect(deviceID string, client ble.Client) {
	<-client.Disconnected()

	a.mu.Lock()
	p, ok := a.peers[deviceID]
	if ok && p.client == client {
		delete(a.peers, deviceID)
	}
	a.mu.Unlock()

	if ok {
		a.logger.WithField("device", deviceID).Warn("Connection lost")
		a.events.Send(transport.ConnectionChanged{DeviceID: deviceID, State: transport.LinkLost})
	}
}

// Disconnect cancels the connection. The peer is removed first so the drop
// watcher does not misreport the intentional teardown as a loss.
func (a *Adapter) Disconnect(deviceID string) error {
	a.mu.Lock()
	p, ok := a.peers[deviceID]
	delete(a.peers, deviceID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, transport.ErrNotConnected)
	}

	if err := p.client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to disconnect from %s: %w", deviceID, err)
	}
	a.events.Send(transport.ConnectionChanged{DeviceID: deviceID, State: transport.LinkDisconnected})
	return nil
}

func (a *Adapter) lookup(deviceID, serviceUUID, charUUID string) (*peer, *ble.Characteristic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[deviceID]
	if !ok {
		return nil, nil, fmt.Errorf("device %s: %w", deviceID, transport.ErrNotConnected)
	}
	char, ok := p.chars[normalizeUUID(serviceUUID)+":"+normalizeUUID(charUUID)]
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %q not found in service %q", charUUID, serviceUUID)
	}
	return p, char, nil
}

// Read reads the current characteristic value
func (a *Adapter) Read(deviceID, serviceUUID, charUUID string) ([]byte, error) {
	p, char, err := a.lookup(deviceID, serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := p.client.ReadCharacteristic(char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return data, nil
}

// Write writes data to a characteristic, with or without response
func (a *Adapter) Write(deviceID, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	p, char, err := a.lookup(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := p.client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

// Subscribe enables notifications (or indications when that is all the
// characteristic supports) and forwards every value as a
// CharacteristicValue event. Values are copied before they leave the BLE
// callback; the stack reuses its buffers.
func (a *Adapter) Subscribe(deviceID, serviceUUID, charUUID string) error {
	p, char, err := a.lookup(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	svcUUID := normalizeUUID(serviceUUID)
	cUUID := normalizeUUID(charUUID)
	indicate := p.indOnly[svcUUID+":"+cUUID]

	handler := func(data []byte) {
		value := make([]byte, len(data))
		copy(value, data)
		a.events.Send(transport.CharacteristicValue{
			DeviceID:    deviceID,
			ServiceUUID: svcUUID,
			CharUUID:    cUUID,
			Value:       value,
			Direction:   transport.DirectionNotification,
		})
	}
	if err := p.client.Subscribe(char, indicate, handler); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	a.events.Send(transport.SubscriptionChanged{
		DeviceID:    deviceID,
		ServiceUUID: svcUUID,
		CharUUID:    cUUID,
		Started:     true,
	})
	return nil
}

// Unsubscribe disables notifications/indications for a characteristic
func (a *Adapter) Unsubscribe(deviceID, serviceUUID, charUUID string) error {
	p, char, err := a.lookup(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	svcUUID := normalizeUUID(serviceUUID)
	cUUID := normalizeUUID(charUUID)
	if err := p.client.Unsubscribe(char, p.indOnly[svcUUID+":"+cUUID]); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	a.events.Send(transport.SubscriptionChanged{
		DeviceID:    deviceID,
		ServiceUUID: svcUUID,
		CharUUID:    cUUID,
		Started:     false,
	})
	return nil
}

// Close cancels every connection, stops the device and closes the event
// stream
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	peers := a.peers
	a.peers = make(map[string]*peer)
	dev := a.dev
	a.mu.Unlock()

	for id, p := range peers {
		if err := p.client.CancelConnection(); err != nil {
			a.logger.WithError(err).WithField("device", id).Warn("Failed to cancel connection during shutdown")
		}
	}
	var err error
	if dev != nil {
		err = dev.Stop()
	}
	a.events.Close()
	return err
}
