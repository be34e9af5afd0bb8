//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"bluetooth-notify/internal/bt"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// Adapter implements bt.Adapter on top of BlueZ.
type Adapter struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn
	log zerolog.Logger

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ bt.Adapter = (*Adapter)(nil)

// New creates an adapter. The system bus is connected lazily.
func New(logger zerolog.Logger) *Adapter {
	return &Adapter{log: logger.With().Str("component", "bluez").Logger()}
}

// busLocked connects to the system bus if not yet connected.
func (a *Adapter) busLocked() (*dbus.Conn, error) {
	if a.closed {
		return nil, bt.ErrClosed
	}
	if a.bus != nil {
		return a.bus, nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a.bus = c
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, func() { c.Close() })
	return c, nil
}

func (a *Adapter) conn() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busLocked()
}

// profile implements org.bluez.Profile1 and forwards one NewConnection event.
type profile struct {
	mu       sync.Mutex
	ch       chan acceptResult
	accepted bool // true after first delivery; subsequent connections are rejected/closed
}

type acceptResult struct {
	fd  int
	dev bt.Device
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owner of the stream closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd: int(fd),
		dev: bt.Device{
			Path:    string(dev),
			Address: addressFromPath(dev),
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	select {
	case p.ch <- res:
		p.accepted = true
		return nil
	default:
		// No receiver; close FD and reject to avoid leaks.
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// registerProfile exports a Profile1 object and registers it with BlueZ.
// The returned func unregisters and unexports it.
func (a *Adapter) registerProfile(bus *dbus.Conn, role string, svc bt.Service) (*profile, func(), error) {
	prof := &profile{ch: make(chan acceptResult, 1)}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_notify/" + role + "/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, nil, fmt.Errorf("bluez: export %s profile: %w", role, err)
	}

	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant(role),
	}
	if role == "server" {
		opts["Name"] = dbus.MakeVariant(svc.Name)
		// BlueZ expects Channel as a uint16 (not byte).
		opts["Channel"] = dbus.MakeVariant(uint16(svc.Channel))
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, svc.UUID.String(), opts); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, nil, fmt.Errorf("bluez: RegisterProfile(%s): %w", role, call.Err)
	}
	unregister := func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	}
	return prof, unregister, nil
}

// Name returns the alias of the first local adapter.
func (a *Adapter) Name(ctx context.Context) (string, error) {
	bus, err := a.conn()
	if err != nil {
		return "", err
	}
	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return "", err
	}
	if len(adapters) == 0 {
		return "", errors.New("bluez: no adapter present")
	}
	var v dbus.Variant
	call := bus.Object(bluezService, adapters[0]).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Alias")
	if call.Err != nil {
		return "", fmt.Errorf("bluez: read adapter alias: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return "", fmt.Errorf("bluez: decode adapter alias: %w", err)
	}
	name, _ := v.Value().(string)
	return name, nil
}

// BondedDevices returns every Device1 object with Paired=true.
func (a *Adapter) BondedDevices(ctx context.Context) ([]bt.Device, error) {
	bus, err := a.conn()
	if err != nil {
		return nil, err
	}
	devs, err := snapshotDevices(ctx, bus)
	if err != nil {
		return nil, err
	}
	out := make([]bt.Device, 0, len(devs))
	for _, d := range devs {
		if d.Paired {
			out = append(out, d)
		}
	}
	return out, nil
}

// Discover starts discovery on all adapters and reports devices to match
// until it returns true or ctx is done.
func (a *Adapter) Discover(ctx context.Context, match func(bt.Device) bool) (bt.Device, error) {
	bus, err := a.conn()
	if err != nil {
		return bt.Device{}, err
	}

	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return bt.Device{}, err
	}

	// Subscribe before the snapshot so no device slips between the two.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	added := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	changed := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	}
	for _, m := range [][]dbus.MatchOption{added, changed} {
		if err := bus.AddMatchSignal(m...); err != nil {
			return bt.Device{}, fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		defer func(m []dbus.MatchOption) { _ = bus.RemoveMatchSignal(m...) }(m)
	}

	started := 0
	for _, ap := range adapters {
		obj := bus.Object(bluezService, ap)
		if err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
			a.log.Warn().Err(err).Str("adapter", string(ap)).Msg("StartDiscovery failed")
			continue
		}
		started++
		defer func(p dbus.ObjectPath) {
			_ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err
		}(ap)
	}
	if started == 0 {
		return bt.Device{}, bt.ErrDiscoveryStart
	}

	known, err := snapshotDevices(ctx, bus)
	if err != nil {
		return bt.Device{}, err
	}
	for _, d := range known {
		if match(d) {
			return d, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return bt.Device{}, fmt.Errorf("bluez: discovery: %w", ctx.Err())
		case sig := <-sigCh:
			dev, ok := a.deviceFromSignal(ctx, bus, sig)
			if ok && match(dev) {
				return dev, nil
			}
		}
	}
}

func (a *Adapter) deviceFromSignal(ctx context.Context, bus *dbus.Conn, sig *dbus.Signal) (bt.Device, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return bt.Device{}, false
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil {
			return bt.Device{}, false
		}
		return deviceFromIfaces(path, ifaces)
	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		if iface != deviceIface {
			return bt.Device{}, false
		}
		// Name often arrives after the object was added.
		props, err := deviceProps(ctx, bus, sig.Path)
		if err != nil {
			a.log.Debug().Err(err).Str("path", string(sig.Path)).Msg("read device properties")
			return bt.Device{}, false
		}
		return deviceFromProps(sig.Path, props), true
	}
	return bt.Device{}, false
}

// Pair bonds with dev if it is not yet paired and marks it trusted.
func (a *Adapter) Pair(ctx context.Context, dev bt.Device) error {
	if dev.Path == "" {
		return errors.New("bluez: device path required")
	}
	bus, err := a.conn()
	if err != nil {
		return err
	}
	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && b {
				return nil
			}
		}
	}
	// A pre-registered BlueZ Agent (external) handles any passkey confirmation.
	if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
		return fmt.Errorf("bluez: Pair: %w", err)
	}
	if err := devObj.CallWithContext(ctx, propsIface+".Set", 0, deviceIface, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
		a.log.Warn().Err(err).Str("path", dev.Path).Msg("could not mark device trusted")
	}
	return nil
}

// Dial registers a client profile and connects it to dev.
func (a *Adapter) Dial(ctx context.Context, dev bt.Device, svc bt.Service) (bt.Conn, error) {
	if dev.Path == "" {
		return nil, errors.New("bluez: device path required")
	}
	bus, err := a.conn()
	if err != nil {
		return nil, err
	}
	prof, unregister, err := a.registerProfile(bus, "client", svc)
	if err != nil {
		return nil, err
	}
	defer unregister()

	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String()); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-prof.ch:
		return os.NewFile(uintptr(res.fd), "rfcomm"), nil
	}
}

// Accept registers a server profile, waits for one connection and
// unregisters the profile again.
func (a *Adapter) Accept(ctx context.Context, svc bt.Service) (bt.Conn, bt.Device, error) {
	if svc.Name == "" {
		return nil, bt.Device{}, errors.New("bluez: service name required")
	}
	bus, err := a.conn()
	if err != nil {
		return nil, bt.Device{}, err
	}
	prof, unregister, err := a.registerProfile(bus, "server", svc)
	if err != nil {
		return nil, bt.Device{}, err
	}
	defer unregister()

	select {
	case <-ctx.Done():
		return nil, bt.Device{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case res := <-prof.ch:
		dev := res.dev
		if props, err := deviceProps(ctx, bus, dbus.ObjectPath(dev.Path)); err == nil {
			dev = deviceFromProps(dbus.ObjectPath(dev.Path), props)
		}
		return os.NewFile(uintptr(res.fd), "rfcomm"), dev, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	return adapterPaths(objs), nil
}

// adapterPaths returns the Adapter1 objects sorted by path, so hci0 comes
// before hci1 and the first one is stable across runs.
func adapterPaths(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

func snapshotDevices(ctx context.Context, bus *dbus.Conn) ([]bt.Device, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	out := make([]bt.Device, 0, len(objs))
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out = append(out, dev)
		}
	}
	return out, nil
}

func deviceProps(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (bt.Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return bt.Device{}, false
	}
	return deviceFromProps(path, props), true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) bt.Device {
	dev := bt.Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if dev.Address == "" {
		dev.Address = addressFromPath(path)
	}
	return dev
}

func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
