// Package settings holds per-device console settings (send/display formats
// and framing patterns) and persists them through a simple key-value storage
// contract.
package settings

import (
	"fmt"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/framing"
)

// DeviceSettings configures how a device's console encodes writes, renders
// received bytes and frames the byte stream. Framing pattern fields use the
// escape grammar of framing.ParsePattern.
type DeviceSettings struct {
	SendFormat       codec.Format         `yaml:"sendFormat" default:"ascii"`
	DisplayFormat    codec.Format         `yaml:"displayFormat" default:"ascii"`
	FillerPosition   codec.FillerPosition `yaml:"fillerPosition" default:"end"`
	MessageStart     string               `yaml:"messageStart"`
	MessageDelimiter string               `yaml:"messageDelimiter"`
	RxStart          string               `yaml:"rxStart"`
	RxDelimiter      string               `yaml:"rxDelimiter"`
	SplitFraming     bool                 `yaml:"splitFraming"`
}

// Default returns the settings a device starts with: ASCII both ways, filler
// at the end, no framing.
func Default() DeviceSettings {
	var s DeviceSettings
	defaults.SetDefaults(&s)
	return s
}

// TxFraming returns the parsed start/delimiter patterns used for outbound frames
func (s DeviceSettings) TxFraming() (start, delimiter []byte) {
	return framing.ParsePattern(s.MessageStart), framing.ParsePattern(s.MessageDelimiter)
}

// RxFraming returns the parsed start/delimiter patterns used to split inbound
// bytes. With SplitFraming enabled the independent RX patterns apply;
// otherwise RX shares the message patterns.
func (s DeviceSettings) RxFraming() (start, delimiter []byte) {
	if s.SplitFraming {
		return framing.ParsePattern(s.RxStart), framing.ParsePattern(s.RxDelimiter)
	}
	return s.TxFraming()
}

// Storage is the durable key-value capability the settings layer calls into.
// The engine treats it as opaque beyond key/value semantics.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	Clear() error
	Has(key string) (bool, error)
}

const keyPrefix = "device-settings:"

// Manager caches per-device settings and writes every change through to the
// underlying Storage.
type Manager struct {
	storage Storage
	logger  *logrus.Logger

	mu    sync.Mutex
	cache map[string]DeviceSettings
}

// NewManager creates a settings manager over storage
func NewManager(storage Storage, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		storage: storage,
		logger:  logger,
		cache:   make(map[string]DeviceSettings),
	}
}

// Get returns the settings for deviceID, falling back to the persisted value
// and then to defaults. Storage read failures degrade to defaults with a
// warning; settings must never block console use.
func (m *Manager) Get(deviceID string) DeviceSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(deviceID)
}

func (m *Manager) getLocked(deviceID string) DeviceSettings {
	if s, ok := m.cache[deviceID]; ok {
		return s
	}

	s := Default()
	raw, ok, err := m.storage.Get(keyPrefix + deviceID)
	if err != nil {
		m.logger.WithError(err).WithField("device", deviceID).Warn("Failed to load device settings, using defaults")
	} else if ok {
		if err := yaml.Unmarshal([]byte(raw), &s); err != nil {
			m.logger.WithError(err).WithField("device", deviceID).Warn("Corrupt device settings, using defaults")
			s = Default()
		}
	}
	m.cache[deviceID] = s
	return s
}

// Apply mutates the settings for deviceID and persists the result. The
// returned settings reflect the applied mutation even if persistence fails;
// the error reports the persistence outcome.
func (m *Manager) Apply(deviceID string, mutate func(*DeviceSettings)) (DeviceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(deviceID)
	mutate(&s)
	m.cache[deviceID] = s

	raw, err := yaml.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("failed to marshal device settings: %w", err)
	}
	if err := m.storage.Set(keyPrefix+deviceID, string(raw)); err != nil {
		return s, fmt.Errorf("failed to persist device settings: %w", err)
	}
	return s, nil
}

// Reset deletes the persisted settings for deviceID and drops it from cache
func (m *Manager) Reset(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, deviceID)
	return m.storage.Delete(keyPrefix + deviceID)
}
