// Package pairing turns a device identifier (the advertised name the sender
// shares out-of-band) into a connected session. It prefers devices that are
// already bonded, falls back to a bounded discovery scan, bonds the match and
// hands it to the connection layer. The last connected device is remembered
// so a later start can reconnect without an identifier.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/prefs"
	"bluetooth-notify/internal/status"
)

// DefaultDiscoveryTimeout bounds a discovery scan.
const DefaultDiscoveryTimeout = 30 * time.Second

var (
	// ErrNoMatchFound is returned when discovery ends without a device advertising the identifier.
	ErrNoMatchFound = errors.New("pairing: no matching device found")

	// ErrNoStoredDevice is returned by Restore when there is no usable stored device.
	ErrNoStoredDevice = errors.New("pairing: no stored device")

	// ErrEmptyIdentifier is returned for a blank identifier.
	ErrEmptyIdentifier = errors.New("pairing: empty identifier")
)

// Scanner is the part of bt.Adapter the coordinator needs.
type Scanner interface {
	BondedDevices(ctx context.Context) ([]bt.Device, error)
	Discover(ctx context.Context, match func(bt.Device) bool) (bt.Device, error)
	Pair(ctx context.Context, dev bt.Device) error
}

// Connector opens the session to a resolved device. *connmgr.Manager satisfies it.
type Connector interface {
	Connect(ctx context.Context, dev bt.Device) error
}

// HintStore persists the last connected device. *prefs.Store satisfies it.
type HintStore interface {
	Load() (prefs.Record, error)
	Save(prefs.Record) error
	Clear() error
}

// Result describes a resolved device.
type Result struct {
	Device bt.Device

	// Bonded is set when the device came from the bonded list without a scan.
	Bonded bool

	// Ambiguous is set when more than one bonded device carries the identifier.
	// The first one listed is used.
	Ambiguous bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = logger.With().Str("component", "pairing").Logger() }
}

// WithNotifier sets the status notifier.
func WithNotifier(n *status.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithDiscoveryTimeout overrides DefaultDiscoveryTimeout.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Coordinator drives discovery, pairing and connection for one identifier at a time.
type Coordinator struct {
	scanner   Scanner
	connector Connector
	hints     HintStore
	notifier  *status.Notifier
	timeout   time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	closed   bool
	stopScan context.CancelFunc
}

// New creates a coordinator. hints may be nil, in which case nothing is remembered.
func New(scanner Scanner, connector Connector, hints HintStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		scanner:   scanner,
		connector: connector,
		hints:     hints,
		timeout:   DefaultDiscoveryTimeout,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func matches(d bt.Device, identifier string) bool {
	return d.Name == identifier || (d.Name == "" && d.Alias == identifier)
}

// Resolve finds the device advertising identifier. Bonded devices are
// checked first; only when none matches is a discovery scan started.
func (c *Coordinator) Resolve(ctx context.Context, identifier string) (Result, error) {
	if identifier == "" {
		return Result{}, ErrEmptyIdentifier
	}

	bonded, err := c.scanner.BondedDevices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("pairing: bonded devices: %w", err)
	}
	var found []bt.Device
	for _, d := range bonded {
		if matches(d, identifier) {
			found = append(found, d)
		}
	}
	if len(found) > 0 {
		res := Result{Device: found[0], Bonded: true, Ambiguous: len(found) > 1}
		if res.Ambiguous {
			c.log.Warn().Str("identifier", identifier).Int("matches", len(found)).
				Str("address", res.Device.Address).Msg("several bonded devices share the identifier, using the first")
		}
		c.log.Debug().Str("identifier", identifier).Str("address", res.Device.Address).Msg("bonded match")
		return res, nil
	}

	dev, err := c.discover(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	return Result{Device: dev}, nil
}

func (c *Coordinator) discover(ctx context.Context, identifier string) (bt.Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bt.Device{}, bt.ErrClosed
	}
	c.stopScan = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopScan = nil
		c.mu.Unlock()
	}()

	c.notifier.Publish(status.Changed(status.StateDiscovering))
	c.log.Info().Str("identifier", identifier).Dur("timeout", c.timeout).Msg("discovery started")

	dev, err := c.scanner.Discover(scanCtx, func(d bt.Device) bool { return matches(d, identifier) })
	switch {
	case err == nil:
		c.log.Info().Str("identifier", identifier).Str("address", dev.Address).Msg("device discovered")
		return dev, nil
	case errors.Is(err, bt.ErrDiscoveryStart):
		c.log.Error().Err(err).Msg("discovery failed to start")
		c.notifier.Publish(status.Failed("discovery failed to start", err))
		return bt.Device{}, err
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		c.log.Warn().Str("identifier", identifier).Msg("no matching device found")
		c.notifier.Publish(status.Failed("no matching device found", ErrNoMatchFound))
		return bt.Device{}, fmt.Errorf("%w: %q", ErrNoMatchFound, identifier)
	default:
		return bt.Device{}, fmt.Errorf("pairing: discovery: %w", err)
	}
}

// Pair resolves identifier, bonds the device if needed and connects to it.
// The connected device is remembered for Restore.
func (c *Coordinator) Pair(ctx context.Context, identifier string) (bt.Device, error) {
	res, err := c.Resolve(ctx, identifier)
	if err != nil {
		return bt.Device{}, err
	}
	dev := res.Device

	if !dev.Paired {
		c.notifier.Publish(status.Changed(status.StatePairing))
		c.log.Info().Str("address", dev.Address).Msg("pairing")
		if err := c.scanner.Pair(ctx, dev); err != nil {
			c.notifier.Publish(status.Failed("pairing failed", err))
			return bt.Device{}, fmt.Errorf("pairing: bond %s: %w", dev.Address, err)
		}
		dev.Paired = true
	}

	if err := c.connect(ctx, dev); err != nil {
		return bt.Device{}, err
	}
	return dev, nil
}

// Restore reconnects to the stored device if it is still bonded. A stored
// device that is no longer bonded is forgotten and ErrNoStoredDevice returned.
func (c *Coordinator) Restore(ctx context.Context) (bt.Device, error) {
	if c.hints == nil {
		return bt.Device{}, ErrNoStoredDevice
	}
	rec, err := c.hints.Load()
	if errors.Is(err, prefs.ErrNoRecord) {
		return bt.Device{}, ErrNoStoredDevice
	}
	if err != nil {
		return bt.Device{}, fmt.Errorf("pairing: load stored device: %w", err)
	}

	bonded, err := c.scanner.BondedDevices(ctx)
	if err != nil {
		return bt.Device{}, fmt.Errorf("pairing: bonded devices: %w", err)
	}
	var (
		dev   bt.Device
		found bool
	)
	for _, d := range bonded {
		if (rec.DeviceAddress != "" && d.Address == rec.DeviceAddress) ||
			(rec.DeviceAddress == "" && matches(d, rec.DeviceName)) {
			dev, found = d, true
			break
		}
	}
	if !found {
		c.log.Info().Str("device", rec.DeviceName).Str("address", rec.DeviceAddress).Msg("stored device no longer bonded, forgetting it")
		if err := c.hints.Clear(); err != nil {
			c.log.Warn().Err(err).Msg("clear stored device")
		}
		return bt.Device{}, ErrNoStoredDevice
	}

	c.log.Info().Str("device", dev.DisplayName()).Str("address", dev.Address).Msg("restoring stored device")
	if err := c.connect(ctx, dev); err != nil {
		return bt.Device{}, err
	}
	return dev, nil
}

func (c *Coordinator) connect(ctx context.Context, dev bt.Device) error {
	if err := c.connector.Connect(ctx, dev); err != nil {
		return err
	}
	if c.hints == nil {
		return nil
	}
	rec := prefs.Record{DeviceName: dev.DisplayName(), DeviceAddress: dev.Address}
	if err := c.hints.Save(rec); err != nil {
		c.log.Warn().Err(err).Msg("remember device")
	}
	return nil
}

// Forget clears the stored device.
func (c *Coordinator) Forget() error {
	if c.hints == nil {
		return nil
	}
	return c.hints.Clear()
}

// Close stops a running discovery scan. Later scans fail with bt.ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stopScan != nil {
		c.stopScan()
	}
	return nil
}
