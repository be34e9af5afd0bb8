package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bluetooth-notify/internal/connmgr"
	"bluetooth-notify/internal/notification"
	"bluetooth-notify/internal/status"
)

// vibratePrefix marks a prompt line as a vibrating notification.
const vibratePrefix = "!"

var errSessionFailed = errors.New("connection failed")

func newSenderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sender",
		Short: "Wait for the receiver and send notifications typed at the prompt",
		Long: strings.TrimSpace(`
Prints this device's name, waits for the receiver to connect and then sends
every line typed at the prompt as a notification. Lines starting with "!"
make the receiver vibrate.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSender(cmd.Context())
		},
	}
}

// parseLine turns a prompt line into a notification. Blank lines are skipped.
func parseLine(line string) (notification.Notification, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return notification.Notification{}, false
	}
	if rest, ok := strings.CutPrefix(line, vibratePrefix); ok {
		return notification.Notification{Text: strings.TrimSpace(rest), Vibrate: true}, true
	}
	return notification.Notification{Text: line}, true
}

func (a *app) runSender(ctx context.Context) error {
	adapter, sim := a.open(simSenderName, simReceiverName)
	defer adapter.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "notify> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	out := func(format string, args ...any) { fmt.Fprintf(rl.Stdout(), format, args...) }

	name, err := adapter.Name(ctx)
	if err != nil {
		return fmt.Errorf("read adapter name: %w", err)
	}
	out("device name: %s\nenter it on the receiver to pair\n", name)

	notifier := status.NewNotifier(a.log)
	events, unsubscribe := notifier.Subscribe(16)
	defer unsubscribe()
	go reportStatus(out, events)

	mgr, err := connmgr.New(adapter, a.connConfig(),
		connmgr.WithLogger(a.log),
		connmgr.WithNotifier(notifier),
		connmgr.WithMessageHandler(func(n notification.Notification) {
			out("< %s\n", formatNotification(n))
		}),
	)
	if err != nil {
		return err
	}
	defer mgr.Cancel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.watchConfig(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if sim != nil {
		g.Go(func() error { return sim.runSimReceiver(gctx, a.connConfig(), a.log, out) })
	}
	g.Go(func() error {
		<-gctx.Done()
		mgr.Cancel()
		_ = rl.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		out("waiting for the receiver...\n")
		if err := mgr.ListenAndAccept(gctx); err != nil {
			return err
		}
		done := mgr.Done()
		go func() {
			<-done
			if mgr.State() == status.StateFailed {
				_ = rl.Close()
			}
		}()
		return a.prompt(rl, mgr, out)
	})

	err = g.Wait()
	if mgr.State() == status.StateFailed {
		return errSessionFailed
	}
	return err
}

func (a *app) prompt(rl *readline.Instance, mgr *connmgr.Manager, out func(string, ...any)) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n, ok := parseLine(line)
		if !ok {
			continue
		}
		if err := mgr.Send(n); err != nil {
			switch {
			case errors.Is(err, connmgr.ErrNotConnected):
				out("not connected, message dropped\n")
			default:
				out("send failed: %v\n", err)
			}
		}
	}
}
