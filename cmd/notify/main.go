// Command notify relays short text notifications from a sender to a paired
// receiver over a Bluetooth RFCOMM stream.
//
// The sender prints its adapter name, which the user types into the
// receiver to pair. After the first connection the receiver remembers the
// device and reconnects on its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"bluetooth-notify/internal/bluez"
	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/config"
	"bluetooth-notify/internal/connmgr"
	"bluetooth-notify/internal/prefs"
	"bluetooth-notify/internal/status"
)

var exampleUsage = strings.TrimSpace(`
  notify sender
  notify receiver "Pixel 8"
  notify receiver                  # reconnect to the remembered device
  notify sender --sim              # in-process radio, no hardware needed
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app carries what every subcommand needs after configuration is loaded.
type app struct {
	cfg     config.Config
	cfgPath string
	changed map[string]bool
	sim     bool
	log     zerolog.Logger
}

func main() {
	a := &app{cfg: config.DefaultConfig(), log: zerolog.Nop()}
	root := newRootCmd(a)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "notify",
		Short:         "Relay text notifications between two devices over Bluetooth",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgPath, "config", "", "config file (default $HOME/.bluetooth-notify/config.toml)")
	f.StringVar(&a.cfg.StateDir, "state-dir", a.cfg.StateDir, "directory for the remembered device (default $HOME/.bluetooth-notify)")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: trace|debug|info|warn|error")
	f.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "log format: console|json")
	f.StringVar(&a.cfg.ServiceName, "service-name", a.cfg.ServiceName, "SDP service name")
	f.StringVar(&a.cfg.ServiceUUID, "service-uuid", a.cfg.ServiceUUID, "rendezvous service UUID, must match on both ends")
	f.IntVar(&a.cfg.Channel, "channel", a.cfg.Channel, "RFCOMM channel of the listening profile")
	f.IntVar(&a.cfg.ChunkSize, "chunk-size", a.cfg.ChunkSize, "frame chunk size in bytes, must match on both ends")
	f.IntVar(&a.cfg.MaxChunks, "max-chunks", a.cfg.MaxChunks, "most chunks in one frame, must match on both ends")
	f.DurationVar(&a.cfg.DiscoveryTimeout, "discovery-timeout", a.cfg.DiscoveryTimeout, "how long to scan for the device")
	f.DurationVar(&a.cfg.EstablishTimeout, "establish-timeout", a.cfg.EstablishTimeout, "bound on each reconnection attempt")
	f.DurationVar(&a.cfg.WriteTimeout, "write-timeout", a.cfg.WriteTimeout, "bound on sending one notification")
	f.IntVar(&a.cfg.MaxReconnectAttempts, "max-reconnects", a.cfg.MaxReconnectAttempts, "reconnection attempts before giving up (0 = unlimited)")
	f.DurationVar(&a.cfg.BackoffInitial, "backoff-initial", a.cfg.BackoffInitial, "first reconnection delay")
	f.DurationVar(&a.cfg.BackoffMax, "backoff-max", a.cfg.BackoffMax, "maximum reconnection delay")
	f.BoolVar(&a.sim, "sim", false, "use an in-process simulated radio with a simulated peer")

	root.AddCommand(
		newSenderCmd(a),
		newReceiverCmd(a),
		newScanCmd(a),
		newForgetCmd(a),
		newNameCmd(a),
	)
	return root
}

// load applies the config file, then BTNOTIFY_* variables; explicitly set
// flags win over both. A missing default config file is fine, a missing
// --config file is not.
func (a *app) load(cmd *cobra.Command) error {
	a.changed = map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { a.changed[f.Name] = true })

	if a.changed["config"] && !config.FileExists(a.cfgPath) {
		return fmt.Errorf("config file %s: %w", a.cfgPath, os.ErrNotExist)
	}
	if a.cfgPath == "" {
		a.cfgPath = config.DefaultConfigPath()
	}
	if a.cfgPath != "" && config.FileExists(a.cfgPath) {
		fc, err := config.LoadFileConfig(a.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(&a.cfg, fc, a.changed); err != nil {
			return err
		}
	}
	if err := config.ApplyEnvConfig(&a.cfg, a.changed); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	log, err := config.NewLogger(a.cfg.LogLevel, a.cfg.LogFormat)
	if err != nil {
		return err
	}
	a.log = log
	a.log.Debug().Interface("config", a.cfg).Str("file", a.cfgPath).Msg("configuration")
	return nil
}

// watchConfig hot-reloads the log level until ctx is done.
func (a *app) watchConfig(ctx context.Context) {
	if a.cfgPath == "" || !config.FileExists(a.cfgPath) {
		return
	}
	w := config.NewWatcher(a.cfgPath, a.changed, a.log)
	go func() {
		if err := w.Run(ctx); err != nil {
			a.log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()
}

// open returns the radio to use. With --sim it is an in-process adapter
// named localName sharing a radio with a simulated peer named peerName.
func (a *app) open(localName, peerName string) (bt.Adapter, *simWorld) {
	if a.sim {
		w := newSimWorld(localName, peerName)
		return w.local, w
	}
	return bluez.New(a.log), nil
}

func (a *app) store() *prefs.Store {
	return prefs.NewStore(a.cfg.StateDir)
}

func (a *app) connConfig() connmgr.Config {
	return connmgr.Config{
		Service:              a.cfg.Service(),
		ChunkSize:            a.cfg.ChunkSize,
		MaxChunks:            a.cfg.MaxChunks,
		EstablishTimeout:     a.cfg.EstablishTimeout,
		WriteTimeout:         a.cfg.WriteTimeout,
		MaxReconnectAttempts: a.cfg.MaxReconnectAttempts,
		Backoff: connmgr.BackoffConfig{
			Initial:    a.cfg.BackoffInitial,
			Max:        a.cfg.BackoffMax,
			Multiplier: connmgr.DefaultBackoffMultiplier,
			Jitter:     connmgr.DefaultBackoffJitter,
		},
	}
}

// reportStatus prints connection transitions until events is closed.
func reportStatus(out func(format string, args ...any), events <-chan status.Event) {
	for e := range events {
		switch e.Kind {
		case status.KindConnected:
			out("connected to %s (%s)\n", e.DeviceName, e.DeviceAddress)
		case status.KindDisconnected:
			out("connection lost (%s), reconnecting...\n", e.Reason)
		case status.KindFailed:
			out("%s\n", status.FailureMessage)
		case status.KindStateChanged:
			if e.State == status.StateDiscovering {
				out("searching for device...\n")
			}
		}
	}
}
