// Package notification defines the message relayed from sender to receiver
// and its symmetric byte encoding.
package notification

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed indicates bytes that do not decode to a Notification.
var ErrMalformed = errors.New("notification: malformed payload")

// Notification is the relayed message. It is a value type; copies are independent.
type Notification struct {
	Text    string `cbor:"1,keyasint"`
	Vibrate bool   `cbor:"2,keyasint"`
}

// String renders the notification for logs.
func (n Notification) String() string {
	return fmt.Sprintf("Notification{text=%q vibrate=%t}", n.Text, n.Vibrate)
}

// encMode is configured for deterministic output so equal notifications
// always produce equal bytes.
var encMode cbor.EncMode

// decMode rejects anything but a definite-length map with known keys.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode serializes n.
func Encode(n Notification) ([]byte, error) {
	b, err := encMode.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("notification: encode: %w", err)
	}
	return b, nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if len(data) == 0 {
		return n, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if err := decMode.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, nil
}
