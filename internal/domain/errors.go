package domain

import "errors"

var (
	// ErrConfigNotFound is returned when no routing config exists for a (tenant, channel index)
	ErrConfigNotFound = errors.New("channel config not found")

	// ErrUnsupportedChannelType is returned when a resolved channel type has no queue
	ErrUnsupportedChannelType = errors.New("unsupported channel type")

	// ErrNoOwner is returned when a channel config names no process owning the connection
	ErrNoOwner = errors.New("channel has no owning process")

	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job another worker holds
	ErrJobAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrConnectionUnavailable is returned when this process holds no live handle for a channel
	ErrConnectionUnavailable = errors.New("channel connection not available in this process")

	// ErrBrokerUnavailable is returned when the coordination broker cannot be reached
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrStoreUnavailable is returned when the shared store rejects a health write
	ErrStoreUnavailable = errors.New("store unavailable")
)

// TransientDeliveryError wraps a delivery failure that may succeed on a later attempt
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient delivery error
func NewTransientError(err error) error {
	return &TransientDeliveryError{Err: err}
}

// PermanentDeliveryError wraps a channel-side rejection that will never succeed
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string {
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentDeliveryError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent delivery error
func NewPermanentError(err error) error {
	return &PermanentDeliveryError{Err: err}
}

// IsPermanent reports whether err is, or wraps, a PermanentDeliveryError
func IsPermanent(err error) bool {
	var perm *PermanentDeliveryError
	return errors.As(err, &perm)
}
