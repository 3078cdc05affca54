package engine

import "strings"

// WriteMode selects which write capability the console uses for a device
type WriteMode string

const (
	WriteModeNone   WriteMode = ""
	WriteModeWrite  WriteMode = "write"
	WriteModeNoResp WriteMode = "writeNoResp"
)

// DeviceUI is the ephemeral per-device selection state: which service and
// characteristic are active and which characteristic keys are chosen for
// read/notify/indicate. It is derived state, rebuildable from the connection
// plus defaults, and is never persisted.
type DeviceUI struct {
	SelectedService string
	SelectedChar    string
	ReadKeys        map[string]struct{}
	NotifyKeys      map[string]struct{}
	IndicateKeys    map[string]struct{}
	WriteMode       WriteMode
}

func newDeviceUI() *DeviceUI {
	return &DeviceUI{
		ReadKeys:     make(map[string]struct{}),
		NotifyKeys:   make(map[string]struct{}),
		IndicateKeys: make(map[string]struct{}),
	}
}

// CharKey builds the characteristic key used by selection sets and the
// subscription reconciler
func CharKey(serviceUUID, charUUID string) string {
	return serviceUUID + ":" + charUUID
}

// SplitCharKey is the inverse of CharKey
func SplitCharKey(key string) (serviceUUID, charUUID string) {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}

// uiLocked returns the DeviceUI for deviceID, seeding defaults if absent
func (e *Engine) uiLocked(deviceID string) *DeviceUI {
	ui, ok := e.ui[deviceID]
	if !ok {
		ui = newDeviceUI()
		e.ui[deviceID] = ui
	}
	return ui
}

// SelectCharacteristic sets the active service/characteristic for a device
func (e *Engine) SelectCharacteristic(deviceID, serviceUUID, charUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ui := e.uiLocked(deviceID)
	ui.SelectedService = serviceUUID
	ui.SelectedChar = charUUID
	e.record(ActionSelectionChanged, deviceID, CharKey(serviceUUID, charUUID))
}

// SetWriteMode sets which write capability subsequent writes use
func (e *Engine) SetWriteMode(deviceID string, mode WriteMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uiLocked(deviceID).WriteMode = mode
	e.record(ActionSelectionChanged, deviceID, "writeMode="+string(mode))
}

// UI returns a copy of the current selection state for deviceID
func (e *Engine) UI(deviceID string) DeviceUI {
	e.mu.Lock()
	defer e.mu.Unlock()
	ui := e.uiLocked(deviceID)
	out := DeviceUI{
		SelectedService: ui.SelectedService,
		SelectedChar:    ui.SelectedChar,
		WriteMode:       ui.WriteMode,
		ReadKeys:        make(map[string]struct{}, len(ui.ReadKeys)),
		NotifyKeys:      make(map[string]struct{}, len(ui.NotifyKeys)),
		IndicateKeys:    make(map[string]struct{}, len(ui.IndicateKeys)),
	}
	for k := range ui.ReadKeys {
		out.ReadKeys[k] = struct{}{}
	}
	for k := range ui.NotifyKeys {
		out.NotifyKeys[k] = struct{}{}
	}
	for k := range ui.IndicateKeys {
		out.IndicateKeys[k] = struct{}{}
	}
	return out
}
