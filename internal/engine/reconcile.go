package engine

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// The subscription reconciler keeps one rule: a characteristic's transport
// subscription is active iff its key is in NotifyKeys ∪ IndicateKeys. Every
// selection toggle recomputes desired membership for that one key and issues
// at most one subscribe/unsubscribe, and only when the acknowledged state
// disagrees. A transport failure rejects the selection change, so desired and
// actual state never diverge.

// selectionSet identifies which UI selection set a toggle targets
type selectionSet int

const (
	setNotify selectionSet = iota
	setIndicate
)

// setSubscribedLocked records the acknowledged transport subscription state
func (e *Engine) setSubscribedLocked(deviceID, key string, subscribed bool) {
	m := e.subscribed[deviceID]
	if m == nil {
		m = make(map[string]bool)
		e.subscribed[deviceID] = m
	}
	if m[key] == subscribed {
		return
	}
	m[key] = subscribed
	if subscribed {
		e.record(ActionSubscribed, deviceID, key)
	} else {
		e.record(ActionUnsubscribed, deviceID, key)
	}
}

// SetNotifySelected toggles a characteristic's membership in the notify
// selection set, reconciling the transport subscription as needed
func (e *Engine) SetNotifySelected(deviceID, serviceUUID, charUUID string, selected bool) error {
	return e.toggleSelection(deviceID, serviceUUID, charUUID, setNotify, selected)
}

// SetIndicateSelected toggles a characteristic's membership in the indicate
// selection set, reconciling the transport subscription as needed
func (e *Engine) SetIndicateSelected(deviceID, serviceUUID, charUUID string, selected bool) error {
	return e.toggleSelection(deviceID, serviceUUID, charUUID, setIndicate, selected)
}

// SetReadSelected toggles the read selection for a characteristic. Read
// selections never require a subscription, so no transport call is issued.
func (e *Engine) SetReadSelected(deviceID, serviceUUID, charUUID string, selected bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if selected && !char.Capabilities.Read {
		return fmt.Errorf("characteristic %q does not support read", charUUID)
	}
	key := CharKey(serviceUUID, charUUID)
	ui := e.uiLocked(deviceID)
	if selected {
		ui.ReadKeys[key] = struct{}{}
	} else {
		delete(ui.ReadKeys, key)
	}
	e.record(ActionSelectionChanged, deviceID, "read "+key)
	return nil
}

func (e *Engine) toggleSelection(deviceID, serviceUUID, charUUID string, set selectionSet, selected bool) error {
	e.mu.Lock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if selected {
		if set == setNotify && !char.Capabilities.Notify {
			e.mu.Unlock()
			return fmt.Errorf("characteristic %q does not support notify", charUUID)
		}
		if set == setIndicate && !char.Capabilities.Indicate {
			e.mu.Unlock()
			return fmt.Errorf("characteristic %q does not support indicate", charUUID)
		}
	}

	key := CharKey(serviceUUID, charUUID)
	ui := e.uiLocked(deviceID)
	target := ui.NotifyKeys
	if set == setIndicate {
		target = ui.IndicateKeys
	}

	_, already := target[key]
	if already == selected {
		// Toggling within the current state: nothing to do, zero transport calls
		e.mu.Unlock()
		return nil
	}

	// Apply the selection optimistically, then reconcile
	if selected {
		target[key] = struct{}{}
	} else {
		delete(target, key)
	}
	_, inNotify := ui.NotifyKeys[key]
	_, inIndicate := ui.IndicateKeys[key]
	desired := inNotify || inIndicate
	actual := e.subscribed[deviceID][key]
	e.record(ActionSelectionChanged, deviceID, key)
	e.mu.Unlock()

	if desired == actual {
		return nil
	}

	var err2 error
	if desired {
		err2 = e.transport.Subscribe(deviceID, serviceUUID, charUUID)
	} else {
		err2 = e.transport.Unsubscribe(deviceID, serviceUUID, charUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err2 != nil {
		// Reject the selection change so UI state never diverges from the
		// transport's actual subscriptions
		if selected {
			delete(target, key)
		} else {
			target[key] = struct{}{}
		}
		e.record(ActionSelectionChanged, deviceID, key+" rolled back")
		if desired {
			return fmt.Errorf("failed to subscribe to %s: %w", key, err2)
		}
		return fmt.Errorf("failed to unsubscribe from %s: %w", key, err2)
	}
	e.setSubscribedLocked(deviceID, key, desired)
	return nil
}

// RemoveCharacteristic takes a characteristic out of the active view. Order
// matters: the unsubscribe depends on the pre-removal selection flags, so it
// runs first; only then are all selection-set memberships cleared.
func (e *Engine) RemoveCharacteristic(deviceID, serviceUUID, charUUID string) error {
	key := CharKey(serviceUUID, charUUID)

	e.mu.Lock()
	ui := e.uiLocked(deviceID)
	_, inNotify := ui.NotifyKeys[key]
	_, inIndicate := ui.IndicateKeys[key]
	needsUnsubscribe := (inNotify || inIndicate) && e.subscribed[deviceID][key]
	e.mu.Unlock()

	if needsUnsubscribe {
		if err := e.transport.Unsubscribe(deviceID, serviceUUID, charUUID); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", key, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if needsUnsubscribe {
		e.setSubscribedLocked(deviceID, key, false)
	}
	ui = e.uiLocked(deviceID)
	delete(ui.ReadKeys, key)
	delete(ui.NotifyKeys, key)
	delete(ui.IndicateKeys, key)
	if ui.SelectedService == serviceUUID && ui.SelectedChar == charUUID {
		ui.SelectedService = ""
		ui.SelectedChar = ""
	}
	e.record(ActionSelectionChanged, deviceID, key+" removed")
	return nil
}

// ActiveSubscriptions returns the characteristic keys with an acknowledged
// transport subscription, sorted for determinism
func (e *Engine) ActiveSubscriptions(deviceID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []string
	for key, on := range e.subscribed[deviceID] {
		if on {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// UnsubscribeAll tears down every active subscription for deviceID.
// Best-effort: individual failures are collected but do not stop the
// remaining unsubscribes, and selection sets are cleared regardless.
func (e *Engine) UnsubscribeAll(deviceID string) error {
	keys := e.ActiveSubscriptions(deviceID)

	var firstErr error
	failures := 0
	for _, key := range keys {
		serviceUUID, charUUID := SplitCharKey(key)
		if err := e.transport.Unsubscribe(deviceID, serviceUUID, charUUID); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"device": deviceID,
				"char":   key,
			}).Warn("Failed to unsubscribe during teardown")
			failures++
			if firstErr == nil {
				firstErr = err
			}
		}
		e.mu.Lock()
		e.setSubscribedLocked(deviceID, key, false)
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ui, ok := e.ui[deviceID]; ok {
		ui.NotifyKeys = make(map[string]struct{})
		ui.IndicateKeys = make(map[string]struct{})
	}
	if firstErr != nil {
		return fmt.Errorf("unsubscribe failed for %d of %d subscriptions: %w", failures, len(keys), firstErr)
	}
	return nil
}

// Subscribe is the direct subscription operation used by the CLI: it selects
// the characteristic for notify (or indicate when notify is unsupported) and
// reconciles.
func (e *Engine) Subscribe(deviceID, serviceUUID, charUUID string) error {
	e.mu.Lock()
	char, err := e.findCharacteristicLocked(deviceID, serviceUUID, charUUID)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if char.Capabilities.Notify {
		return e.SetNotifySelected(deviceID, serviceUUID, charUUID, true)
	}
	if char.Capabilities.Indicate {
		return e.SetIndicateSelected(deviceID, serviceUUID, charUUID, true)
	}
	return fmt.Errorf("characteristic %q supports neither notify nor indicate", charUUID)
}

// Unsubscribe removes the characteristic from both subscription selection
// sets, reconciling as needed
func (e *Engine) Unsubscribe(deviceID, serviceUUID, charUUID string) error {
	if err := e.SetNotifySelected(deviceID, serviceUUID, charUUID, false); err != nil {
		return err
	}
	return e.SetIndicateSelected(deviceID, serviceUUID, charUUID, false)
}
