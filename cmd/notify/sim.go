package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/btsim"
	"bluetooth-notify/internal/connmgr"
	"bluetooth-notify/internal/notification"
	"bluetooth-notify/internal/pairing"
)

// Names used by --sim.
const (
	simSenderName   = "notify-sim-sender"
	simReceiverName = "notify-sim-receiver"
)

// simWorld is an in-process radio with the local adapter and one peer.
type simWorld struct {
	radio *btsim.Radio
	local *btsim.Adapter
	peer  *btsim.Adapter
}

func newSimWorld(localName, peerName string) *simWorld {
	r := btsim.NewRadio()
	w := &simWorld{radio: r, local: r.NewAdapter(localName), peer: r.NewAdapter(peerName)}
	// Background noise for scans.
	r.NewAdapter("sim-headphones")
	r.NewAdapter("sim-keyboard")
	return w
}

// waitListening blocks until adapter listens for svc.
func (w *simWorld) waitListening(ctx context.Context, adapter *btsim.Adapter, svc bt.Service) error {
	return w.radio.WaitListening(ctx, adapter.Address(), svc.UUID)
}

// runSimReceiver pairs the peer with the local sender by name and prints
// what it receives until ctx is done.
func (w *simWorld) runSimReceiver(ctx context.Context, cfg connmgr.Config, log zerolog.Logger, out func(string, ...any)) error {
	log = log.With().Str("peer", "sim-receiver").Logger()
	mgr, err := connmgr.New(w.peer, cfg,
		connmgr.WithLogger(log),
		connmgr.WithMessageHandler(func(n notification.Notification) {
			out("[%s] %s\n", simReceiverName, formatNotification(n))
		}),
	)
	if err != nil {
		return err
	}
	defer mgr.Cancel()

	if err := w.waitListening(ctx, w.local, cfg.Service); err != nil {
		return err
	}
	name, err := w.local.Name(ctx)
	if err != nil {
		return err
	}
	coord := pairing.New(w.peer, mgr, nil, pairing.WithLogger(log))
	defer coord.Close()
	if _, err := coord.Pair(ctx, name); err != nil {
		return fmt.Errorf("sim receiver: %w", err)
	}

	<-ctx.Done()
	return nil
}

// runSimSender accepts the local receiver and sends it greeting messages.
func (w *simWorld) runSimSender(ctx context.Context, cfg connmgr.Config, log zerolog.Logger, greetings []notification.Notification) error {
	log = log.With().Str("peer", "sim-sender").Logger()
	mgr, err := connmgr.New(w.peer, cfg, connmgr.WithLogger(log))
	if err != nil {
		return err
	}
	defer mgr.Cancel()

	if err := mgr.ListenAndAccept(ctx); err != nil {
		return fmt.Errorf("sim sender: %w", err)
	}
	for _, n := range greetings {
		if err := mgr.Send(n); err != nil {
			return fmt.Errorf("sim sender: %w", err)
		}
	}
	<-ctx.Done()
	return nil
}
