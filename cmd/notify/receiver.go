package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/connmgr"
	"bluetooth-notify/internal/notification"
	"bluetooth-notify/internal/pairing"
	"bluetooth-notify/internal/status"
)

func newReceiverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receiver [device-name]",
		Short: "Pair with the sender and print incoming notifications",
		Long: strings.TrimSpace(`
Connects to the sender advertising device-name, pairing first when needed,
and prints every notification it sends. Without device-name the device from
the last successful connection is used.`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var identifier string
			if len(args) == 1 {
				identifier = args[0]
			}
			return a.runReceiver(cmd.Context(), identifier)
		},
	}
}

// formatNotification renders n for the terminal.
func formatNotification(n notification.Notification) string {
	if n.Vibrate {
		return "*bzz* " + n.Text
	}
	return n.Text
}

func (a *app) runReceiver(ctx context.Context, identifier string) error {
	adapter, sim := a.open(simReceiverName, simSenderName)
	defer adapter.Close()

	out := func(format string, args ...any) { fmt.Fprintf(os.Stdout, format, args...) }

	notifier := status.NewNotifier(a.log)
	events, unsubscribe := notifier.Subscribe(16)
	defer unsubscribe()
	go reportStatus(out, events)

	mgr, err := connmgr.New(adapter, a.connConfig(),
		connmgr.WithLogger(a.log),
		connmgr.WithNotifier(notifier),
		connmgr.WithMessageHandler(func(n notification.Notification) {
			out("%s\n", formatNotification(n))
		}),
	)
	if err != nil {
		return err
	}
	defer mgr.Cancel()

	// A simulated run must not replace the real remembered device.
	var hints pairing.HintStore
	if sim == nil {
		hints = a.store()
	}
	coord := pairing.New(adapter, mgr, hints,
		pairing.WithLogger(a.log),
		pairing.WithNotifier(notifier),
		pairing.WithDiscoveryTimeout(a.cfg.DiscoveryTimeout),
	)
	defer coord.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.watchConfig(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if sim != nil {
		if identifier == "" {
			identifier = simSenderName
		}
		g.Go(func() error {
			return sim.runSimSender(gctx, a.connConfig(), a.log, []notification.Notification{
				{Text: "hello from " + simSenderName},
				{Text: "this one buzzes", Vibrate: true},
			})
		})
		if err := sim.waitListening(gctx, sim.peer, a.cfg.Service()); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	g.Go(func() error {
		defer cancel()
		dev, err := a.connect(gctx, coord, identifier)
		if err != nil {
			return err
		}
		a.log.Info().Str("device", dev.DisplayName()).Str("address", dev.Address).Msg("receiving notifications")

		select {
		case <-gctx.Done():
			return nil
		case <-mgr.Done():
		}
		if mgr.State() == status.StateFailed {
			return errSessionFailed
		}
		return nil
	})
	return g.Wait()
}

func (a *app) connect(ctx context.Context, coord *pairing.Coordinator, identifier string) (bt.Device, error) {
	if identifier != "" {
		return coord.Pair(ctx, identifier)
	}
	dev, err := coord.Restore(ctx)
	if errors.Is(err, pairing.ErrNoStoredDevice) {
		return bt.Device{}, fmt.Errorf("no remembered device, run: notify receiver <device-name>")
	}
	return dev, err
}
