package engine

import (
	"errors"
	"fmt"
)

// ErrRejected is wrapped by every command rejection. A rejected command
// leaves the engine exactly as it was.
var ErrRejected = errors.New("command rejected")

// Rejection reasons.
var (
	ErrInvalidCommand = fmt.Errorf("%w: invalid command", ErrRejected)
	ErrInvalidChannel = fmt.Errorf("%w: invalid channel", ErrRejected)
	ErrOutOfContext   = fmt.Errorf("%w: not valid in current mode", ErrRejected)
	ErrBusy           = fmt.Errorf("%w: collection in progress", ErrRejected)
	ErrNotCalibrated  = fmt.Errorf("%w: channel not calibrated", ErrRejected)
)

// ErrInvalidConfig is returned by New.
var ErrInvalidConfig = errors.New("engine: invalid config")

// rejectReason is the metric label for a rejection.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrInvalidChannel):
		return "invalid_channel"
	case errors.Is(err, ErrOutOfContext):
		return "out_of_context"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotCalibrated):
		return "not_calibrated"
	}
	return "other"
}
