// Package registry tracks last-known discovery and connection metadata for
// every BLE device the transport has reported.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConnectionStatus is the lifecycle state of a device
type ConnectionStatus string

const (
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
	StatusLost          ConnectionStatus = "lost"
)

// Device is the last-known snapshot of a discovered peripheral.
// Invariant: Connected is true iff ConnectionStatus == StatusConnected.
type Device struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Address             string           `json:"address"`
	RSSI                int              `json:"rssi"`
	Connected           bool             `json:"connected"`
	LastSeen            time.Time        `json:"lastSeen"`
	PreviouslyConnected bool             `json:"previouslyConnected"`
	ConnectionStatus    ConnectionStatus `json:"connectionStatus"`
	ConnectionLostAt    *time.Time       `json:"connectionLostAt,omitempty"`
	ConnectedAt         *time.Time       `json:"connectedAt,omitempty"`
}

// Registry maps device IDs to Device snapshots. Insertion order is preserved
// so that sort tie-breaking is deterministic across re-derivations of the
// sorted view.
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, Device]
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{devices: orderedmap.New[string, Device]()}
}

// Upsert stores the snapshot under its ID, replacing any previous snapshot.
// Newest snapshot wins; callers that need to preserve engine-owned fields
// (connection status, timestamps) must copy them forward before calling.
func (r *Registry) Upsert(dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices.Set(dev.ID, dev)
}

// Get returns the snapshot for id
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Get(id)
}

// Update applies fn to the stored snapshot for id, if present, and stores the
// result back. Returns false if the device is unknown.
func (r *Registry) Update(id string, fn func(*Device)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices.Get(id)
	if !ok {
		return false
	}
	fn(&dev)
	r.devices.Set(id, dev)
	return true
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Clear forgets every device. Devices are never removed individually; this is
// the only deletion path.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = orderedmap.New[string, Device]()
}

// All returns every snapshot in insertion order
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

/// SortedFiltered returns the derived device view: connected devices first,
// then descending RSSI, ties broken by insertion order. A non-empty query
// filters by case-insensitive substring match on name or address.
func (r *Registry) SortedFiltered(query string) []Device {
	devices := r.All()

	if query != "" {
		q := strings.ToLower(query)
		filtered := devices[:0]
		for _, dev := range devices {
			if strings.Contains(strings.ToLower(dev.Name), q) ||
				strings.Contains(strings.ToLower(dev.Address), q) {
				filtered = append(filtered, dev)
			}
		}
		devices = filtered
	}

	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Connected != devices[j].Connected {
			return devices[i].Connected
		}
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices
}
