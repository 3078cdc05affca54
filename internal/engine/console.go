package engine

import (
	"time"

	"github.com/srg/bleterm/internal/codec"
)

// Direction tags whether a console entry was received or sent
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ConsoleEntry is one immutable line of a device's console log. RenderFormat
// freezes the display format active when the entry was created, so later
// settings changes never retroactively reformat history.
type ConsoleEntry struct {
	ID           uint64       `json:"id"`
	Direction    Direction    `json:"direction"`
	Timestamp    time.Time    `json:"timestamp"`
	Raw          []byte       `json:"rawBytes"`
	RenderFormat codec.Format `json:"renderFormatAtTime"`
	DeviceID     string       `json:"deviceId"`
	ServiceUUID  string       `json:"serviceId"`
	CharUUID     string       `json:"characteristicId"`
	Previous     bool         `json:"isPrevious,omitempty"`
}

// Text renders the entry's raw bytes in the format frozen at creation time
func (e ConsoleEntry) Text() string {
	return codec.DecodeForDisplay(e.Raw, e.RenderFormat)
}

// appendConsoleLocked appends an entry to a device's session log. This is the
// only per-entry mutator; existing entries are never reordered or rewritten.
func (e *Engine) appendConsoleLocked(entry ConsoleEntry) {
	entry.ID = e.nextEntryID.Add(1)
	e.sessions[entry.DeviceID] = append(e.sessions[entry.DeviceID], entry)
	e.record(ActionConsoleAppend, entry.DeviceID, string(entry.Direction))
	if !e.feedClosed {
		e.consoleFeed.Send(entry)
	}
}

// ConsoleFeed delivers every appended console entry, across all devices, as
// it happens. The feed is bounded; slow consumers lose the oldest entries,
// never block the engine. The channel is closed when the engine shuts down.
func (e *Engine) ConsoleFeed() <-chan ConsoleEntry {
	return e.consoleFeed.C()
}

// ConsoleEntries returns a copy of the ordered console log for deviceID
func (e *Engine) ConsoleEntries(deviceID string) []ConsoleEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.sessions[deviceID]
	out := make([]ConsoleEntry, len(entries))
	copy(out, entries)
	return out
}

// ClearConsole empties the console log for deviceID only; other devices'
// logs are untouched.
func (e *Engine) ClearConsole(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, deviceID)
	e.record(ActionConsoleCleared, deviceID, "")
}

// MarkConsolePrevious soft-archives the console for deviceID: every existing
// entry is flagged as belonging to a previous session. Entry count and byte
// content are unchanged. Used as a pre-disconnect step so prior history stays
// distinguishable from the next session without being deleted.
func (e *Engine) MarkConsolePrevious(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.sessions[deviceID]
	for i := range entries {
		entries[i].Previous = true
	}
	e.record(ActionConsoleArchived, deviceID, "")
}
