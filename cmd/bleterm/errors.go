package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleterm/internal/codec"
	"github.com/srg/bleterm/internal/transport"
)

// FormatUserError converts internal errors into messages suitable for
// end users, without stack traces or wrapped error chains.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, transport.ErrUnknownDevice):
		return "device not found - run 'bleterm scan' first and use the listed address"
	case errors.Is(err, transport.ErrAlreadyConnected):
		return "device is already connected"
	case errors.Is(err, transport.ErrConnectPending):
		return "a connection attempt is already in progress for this device"
	case errors.Is(err, transport.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, codec.ErrInvalidInput):
		var invalid *codec.InvalidInputError
		if errors.As(err, &invalid) {
			return fmt.Sprintf("invalid input %q: %s", invalid.Input, invalid.Reason)
		}
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
