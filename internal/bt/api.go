// Package bt defines the transport vocabulary shared by both relay roles:
// the device record, the rendezvous service and the Adapter capability that
// the pairing and connection layers call into.
//
// Thread-safety: Adapter implementations must allow BondedDevices, Discover,
// Pair, Dial and Accept to be called from different goroutines. Close is
// idempotent.
package bt

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

const (
	// ServiceName is the SDP service name registered by the acceptor.
	ServiceName = "bluetooth-notify"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22
)

// ServiceUUID is the rendezvous identifier. Both roles must use the same value
// or the initiator will never find the acceptor's listening endpoint.
var ServiceUUID = uuid.MustParse("8b1e3c4a-5d2f-4e7a-9c61-2f0d7a3b9e15")

var (
	// ErrDiscoveryStart is returned when the radio refuses to start scanning.
	ErrDiscoveryStart = errors.New("bt: discovery could not be started")

	// ErrUnsupported is returned by adapters on platforms without a radio backend.
	ErrUnsupported = errors.New("bt: not supported on this platform")

	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("bt: adapter closed")

	// ErrNotFound is returned when a device path is unknown to the adapter.
	ErrNotFound = errors.New("bt: device not found")
)

// Device represents the minimum information needed to display, pair and connect.
//
// Path is required. Other fields are optional and may be empty depending on
// discovery results.
type Device struct {
	Path    string // required: transport object path (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	Address string // optional: Bluetooth device address
	Name    string // optional: advertised name, used as the pairing identifier
	Alias   string // optional: user-facing alias
	Paired  bool   // bonded at the transport level
}

// DisplayName returns Name, falling back to Alias and then Address.
func (d Device) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Alias != "":
		return d.Alias
	default:
		return d.Address
	}
}

// Service is the stream service both roles rendezvous on.
type Service struct {
	Name    string
	UUID    uuid.UUID
	Channel uint8
}

// DefaultService returns the well-known rendezvous service.
func DefaultService() Service {
	return Service{
		Name:    ServiceName,
		UUID:    ServiceUUID,
		Channel: DefaultRFCOMMChannel,
	}
}

// Conn is an open duplex stream. Close must unblock a pending Read.
type Conn = io.ReadWriteCloser

// Adapter is the radio capability used by the pairing and connection layers.
type Adapter interface {
	// Name returns the local advertised name. This is the identifier the
	// sender shares out-of-band with the receiver.
	Name(ctx context.Context) (string, error)

	// BondedDevices returns the devices already paired with the local radio.
	BondedDevices(ctx context.Context) ([]Device, error)

	// Discover scans until match returns true for a device or ctx is done.
	// It returns the matched device. ErrDiscoveryStart is returned when the
	// scan cannot be started; ctx errors are wrapped when nothing matched.
	// The scan is always stopped before Discover returns.
	Discover(ctx context.Context, match func(Device) bool) (Device, error)

	// Pair bonds with the device if it is not yet paired.
	Pair(ctx context.Context, dev Device) error

	// Dial opens a stream to the service on dev. The caller owns the Conn.
	Dial(ctx context.Context, dev Device, svc Service) (Conn, error)

	// Accept registers a listening endpoint for svc, waits for exactly one
	// incoming connection and removes the endpoint again before returning.
	// The caller owns the Conn.
	Accept(ctx context.Context, svc Service) (Conn, Device, error)

	// Close releases resources held by the adapter. Safe for concurrent use
	// and redundant calls.
	Close() error
}
