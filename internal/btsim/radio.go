// Package btsim is an in-memory radio implementing bt.Adapter. Adapters on
// the same Radio can bond, discover each other by name and open streams
// (net.Pipe) through a listening service. Tests use it to drive the pairing
// and connection layers without hardware, including dropped links,
// unreachable peers and scans that fail to start.
package btsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bluetooth-notify/internal/bt"
)

var (
	// ErrUnreachable is returned when dialing or pairing a device that is out of range.
	ErrUnreachable = errors.New("btsim: host is down")

	// ErrRefused is returned when the peer has no listening endpoint for the service.
	ErrRefused = errors.New("btsim: connection refused")

	// ErrBusy is returned when a second Accept is started for the same service.
	ErrBusy = errors.New("btsim: service already listening")
)

// ScanInterval is how often a simulated discovery re-inspects the radio.
var ScanInterval = 5 * time.Millisecond

type listenKey struct {
	address string
	service uuid.UUID
}

type pending struct {
	conn net.Conn
	from bt.Device
}

type listener struct {
	ch   chan pending
	done chan struct{}
}

// Radio is the shared medium adapters live on.
type Radio struct {
	mu        sync.Mutex
	adapters  map[string]*Adapter
	listeners map[listenKey]*listener
	next      int
}

// NewRadio creates an empty radio.
func NewRadio() *Radio {
	return &Radio{
		adapters:  make(map[string]*Adapter),
		listeners: make(map[listenKey]*listener),
	}
}

// NewAdapter adds a visible, reachable adapter advertising name.
func (r *Radio) NewAdapter(name string) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	addr := fmt.Sprintf("02:00:00:00:%02X:%02X", r.next>>8&0xff, r.next&0xff)
	a := &Adapter{
		radio:     r,
		name:      name,
		address:   addr,
		path:      "/btsim/hci0/dev_" + strings.ReplaceAll(addr, ":", "_"),
		bonded:    make(map[string]bool),
		visible:   true,
		reachable: true,
	}
	r.adapters[addr] = a
	return a
}

func (r *Radio) lookup(dev bt.Device) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[dev.Address]; ok {
		return a
	}
	for _, a := range r.adapters {
		if a.path == dev.Path {
			return a
		}
	}
	return nil
}

func (r *Radio) others(self *Adapter) []*Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a != self {
			out = append(out, a)
		}
	}
	return out
}

func (r *Radio) listen(key listenKey) (*listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[key]; ok {
		return nil, ErrBusy
	}
	l := &listener{ch: make(chan pending), done: make(chan struct{})}
	r.listeners[key] = l
	return l, nil
}

func (r *Radio) unlisten(key listenKey, l *listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[key] == l {
		delete(r.listeners, key)
		close(l.done)
	}
}

func (r *Radio) listenerFor(key listenKey) *listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners[key]
}

// Listening reports whether address currently accepts connections for svc.
func (r *Radio) Listening(address string, svc uuid.UUID) bool {
	return r.listenerFor(listenKey{address: address, service: svc}) != nil
}

// WaitListening blocks until address listens for svc or ctx is done.
func (r *Radio) WaitListening(ctx context.Context, address string, svc uuid.UUID) error {
	for !r.Listening(address, svc) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ScanInterval):
		}
	}
	return nil
}

// Adapter is one simulated device.
type Adapter struct {
	radio   *Radio
	name    string
	address string
	path    string

	mu            sync.Mutex
	bonded        map[string]bool
	visible       bool
	reachable     bool
	failDiscovery bool
	closed        bool
	scanning      bool
	discoveries   int
	pairs         int
	conns         []net.Conn
}

var _ bt.Adapter = (*Adapter)(nil)

// Device returns how other adapters see this one.
func (a *Adapter) Device() bt.Device {
	return bt.Device{Path: a.path, Address: a.address, Name: a.name}
}

// Address returns the simulated MAC.
func (a *Adapter) Address() string { return a.address }

// SetVisible controls whether discovery scans see this adapter.
func (a *Adapter) SetVisible(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible = v
}

// SetReachable controls whether dials and pairing to this adapter succeed.
func (a *Adapter) SetReachable(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reachable = v
}

// FailDiscovery makes the next scans fail with bt.ErrDiscoveryStart.
func (a *Adapter) FailDiscovery(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failDiscovery = v
}

// Bond pairs a and b without a discovery scan.
func Bond(a, b *Adapter) {
	a.mu.Lock()
	a.bonded[b.address] = true
	a.mu.Unlock()
	b.mu.Lock()
	b.bonded[a.address] = true
	b.mu.Unlock()
}

// Unbond removes the pairing between a and b.
func Unbond(a, b *Adapter) {
	a.mu.Lock()
	delete(a.bonded, b.address)
	a.mu.Unlock()
	b.mu.Lock()
	delete(b.bonded, a.address)
	b.mu.Unlock()
}

// Discoveries returns how many scans were started.
func (a *Adapter) Discoveries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discoveries
}

// Scanning reports whether a scan is running.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Pairs returns how many Pair calls bonded a new device.
func (a *Adapter) Pairs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pairs
}

// Drop severs every live stream of this adapter, as a radio dropout would.
func (a *Adapter) Drop() {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (a *Adapter) track(c net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns = append(a.conns, c)
}

func (a *Adapter) isVisible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible && !a.closed
}

func (a *Adapter) isReachable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable && !a.closed
}

func (a *Adapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return bt.ErrClosed
	}
	return nil
}

// Name returns the advertised name.
func (a *Adapter) Name(context.Context) (string, error) {
	if err := a.checkOpen(); err != nil {
		return "", err
	}
	return a.name, nil
}

// BondedDevices returns every bonded adapter still on the radio.
func (a *Adapter) BondedDevices(context.Context) ([]bt.Device, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	addrs := make([]string, 0, len(a.bonded))
	for addr := range a.bonded {
		addrs = append(addrs, addr)
	}
	a.mu.Unlock()

	out := make([]bt.Device, 0, len(addrs))
	for _, addr := range addrs {
		if peer := a.radio.lookup(bt.Device{Address: addr}); peer != nil {
			d := peer.Device()
			d.Paired = true
			out = append(out, d)
		}
	}
	return out, nil
}

// Discover polls the radio for visible adapters until match accepts one.
func (a *Adapter) Discover(ctx context.Context, match func(bt.Device) bool) (bt.Device, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return bt.Device{}, bt.ErrClosed
	}
	if a.failDiscovery {
		a.mu.Unlock()
		return bt.Device{}, bt.ErrDiscoveryStart
	}
	a.discoveries++
	a.scanning = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	for {
		for _, peer := range a.radio.others(a) {
			if !peer.isVisible() {
				continue
			}
			d := peer.Device()
			a.mu.Lock()
			d.Paired = a.bonded[peer.address]
			a.mu.Unlock()
			if match(d) {
				return d, nil
			}
		}
		select {
		case <-ctx.Done():
			return bt.Device{}, fmt.Errorf("btsim: discovery: %w", ctx.Err())
		case <-time.After(ScanInterval):
		}
	}
}

// Pair bonds a with dev.
func (a *Adapter) Pair(_ context.Context, dev bt.Device) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	peer := a.radio.lookup(dev)
	if peer == nil {
		return bt.ErrNotFound
	}
	if !peer.isReachable() {
		return ErrUnreachable
	}
	a.mu.Lock()
	already := a.bonded[peer.address]
	if !already {
		a.pairs++
	}
	a.mu.Unlock()
	if !already {
		Bond(a, peer)
	}
	return nil
}

// Dial connects to the listening endpoint of svc on dev.
func (a *Adapter) Dial(ctx context.Context, dev bt.Device, svc bt.Service) (bt.Conn, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	peer := a.radio.lookup(dev)
	if peer == nil {
		return nil, bt.ErrNotFound
	}
	if !peer.isReachable() {
		return nil, ErrUnreachable
	}
	l := a.radio.listenerFor(listenKey{address: peer.address, service: svc.UUID})
	if l == nil {
		return nil, ErrRefused
	}

	local, remote := net.Pipe()
	select {
	case l.ch <- pending{conn: remote, from: a.Device()}:
	case <-l.done:
		local.Close()
		remote.Close()
		return nil, ErrRefused
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("btsim: dial: %w", ctx.Err())
	}
	// Connecting to an unbonded device bonds it implicitly.
	Bond(a, peer)
	a.track(local)
	peer.track(remote)
	return local, nil
}

// Accept listens on svc until one connection arrives.
func (a *Adapter) Accept(ctx context.Context, svc bt.Service) (bt.Conn, bt.Device, error) {
	if err := a.checkOpen(); err != nil {
		return nil, bt.Device{}, err
	}
	key := listenKey{address: a.address, service: svc.UUID}
	l, err := a.radio.listen(key)
	if err != nil {
		return nil, bt.Device{}, err
	}
	defer a.radio.unlisten(key, l)

	select {
	case <-ctx.Done():
		return nil, bt.Device{}, fmt.Errorf("btsim: accept: %w", ctx.Err())
	case p := <-l.ch:
		p.from.Paired = true
		return p.conn, p.from, nil
	}
}

// Close drops live streams and takes the adapter off the air.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.Drop()
	return nil
}
