//go:build !linux

package bluez

import (
	"context"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/bt"
)

// Adapter is a placeholder on platforms without BlueZ. Every call fails with
// bt.ErrUnsupported.
type Adapter struct{}

var _ bt.Adapter = (*Adapter)(nil)

// New returns an adapter that reports bt.ErrUnsupported.
func New(_ zerolog.Logger) *Adapter { return &Adapter{} }

func (*Adapter) Name(context.Context) (string, error) { return "", bt.ErrUnsupported }

func (*Adapter) BondedDevices(context.Context) ([]bt.Device, error) { return nil, bt.ErrUnsupported }

func (*Adapter) Discover(context.Context, func(bt.Device) bool) (bt.Device, error) {
	return bt.Device{}, bt.ErrUnsupported
}

func (*Adapter) Pair(context.Context, bt.Device) error { return bt.ErrUnsupported }

func (*Adapter) Dial(context.Context, bt.Device, bt.Service) (bt.Conn, error) {
	return nil, bt.ErrUnsupported
}

func (*Adapter) Accept(context.Context, bt.Service) (bt.Conn, bt.Device, error) {
	return nil, bt.Device{}, bt.ErrUnsupported
}

func (*Adapter) Close() error { return nil }
