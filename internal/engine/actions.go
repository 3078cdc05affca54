package engine

import (
	"sync"
	"time"
)

// ActionKind identifies a state mutation flowing through the engine
type ActionKind string

const (
	ActionScanStarted       ActionKind = "scan_started"
	ActionScanStatus        ActionKind = "scan_status"
	ActionDeviceDiscovered  ActionKind = "device_discovered"
	ActionDeviceUpdated     ActionKind = "device_updated"
	ActionDevicesCleared    ActionKind = "devices_cleared"
	ActionConnectStarted    ActionKind = "connect_started"
	ActionConnectCompleted  ActionKind = "connect_completed"
	ActionConnectFailed     ActionKind = "connect_failed"
	ActionDisconnectStarted ActionKind = "disconnect_started"
	ActionDisconnectDone    ActionKind = "disconnect_completed"
	ActionConnectionLost    ActionKind = "connection_lost"
	ActionConsoleAppend     ActionKind = "console_append"
	ActionConsoleCleared    ActionKind = "console_cleared"
	ActionConsoleArchived   ActionKind = "console_archived"
	ActionSubscribed        ActionKind = "subscribed"
	ActionUnsubscribed      ActionKind = "unsubscribed"
	ActionSelectionChanged  ActionKind = "selection_changed"
	ActionSettingsChanged   ActionKind = "settings_changed"
	ActionStaleEventIgnored ActionKind = "stale_event_ignored"
	ActionWriteSent         ActionKind = "write_sent"
)

// Action is one recorded state mutation
type Action struct {
	Kind     ActionKind `json:"kind"`
	DeviceID string     `json:"deviceId,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}

// actionLogCapacity bounds the diagnostic history; oldest entries are dropped
// once exceeded
const actionLogCapacity = 100

// actionLog is an append-only, self-trimming history of dispatched actions
type actionLog struct {
	mu      sync.Mutex
	entries []Action
}

func (l *actionLog) append(a Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
	if len(l.entries) > actionLogCapacity {
		// Shift instead of reslice so the backing array does not pin dropped entries
		copy(l.entries, l.entries[len(l.entries)-actionLogCapacity:])
		l.entries = l.entries[:actionLogCapacity]
	}
}

func (l *actionLog) snapshot() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, len(l.entries))
	copy(out, l.entries)
	return out
}
