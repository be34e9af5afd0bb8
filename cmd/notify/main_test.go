package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-notify/internal/config"
	"bluetooth-notify/internal/connmgr"
	"bluetooth-notify/internal/notification"
	"bluetooth-notify/internal/status"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want notification.Notification
		ok   bool
	}{
		{line: "", ok: false},
		{line: "   ", ok: false},
		{line: "hello", want: notification.Notification{Text: "hello"}, ok: true},
		{line: "  padded  ", want: notification.Notification{Text: "padded"}, ok: true},
		{line: "!wake up", want: notification.Notification{Text: "wake up", Vibrate: true}, ok: true},
		{line: "! spaced", want: notification.Notification{Text: "spaced", Vibrate: true}, ok: true},
		{line: "!", want: notification.Notification{Vibrate: true}, ok: true},
		{line: "not!vibrating", want: notification.Notification{Text: "not!vibrating"}, ok: true},
	}
	for _, tt := range tests {
		got, ok := parseLine(tt.line)
		assert.Equal(t, tt.ok, ok, "line %q", tt.line)
		assert.Equal(t, tt.want, got, "line %q", tt.line)
	}
}

func TestFormatNotification(t *testing.T) {
	assert.Equal(t, "hi", formatNotification(notification.Notification{Text: "hi"}))
	assert.Equal(t, "*bzz* hi", formatNotification(notification.Notification{Text: "hi", Vibrate: true}))
}

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, fmt.Sprintf(format, args...))
}

func (l *lines) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func TestSimReceiverGetsSenderMessages(t *testing.T) {
	w := newSimWorld(simSenderName, simReceiverName)
	cfg := connmgr.DefaultConfig()

	sender, err := connmgr.New(w.local, cfg)
	require.NoError(t, err)
	defer sender.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out lines
	done := make(chan error, 1)
	go func() { done <- w.runSimReceiver(ctx, cfg, zerolog.Nop(), out.printf) }()

	require.NoError(t, sender.ListenAndAccept(ctx))
	require.NoError(t, sender.Send(notification.Notification{Text: "ping", Vibrate: true}))

	require.Eventually(t, func() bool {
		for _, l := range out.snapshot() {
			if l == "["+simReceiverName+"] *bzz* ping\n" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestReportStatus(t *testing.T) {
	n := status.NewNotifier(zerolog.Nop())
	events, unsubscribe := n.Subscribe(8)

	n.Publish(status.Changed(status.StateDiscovering))
	n.Publish(status.Connected("phone", "AA:BB"))
	n.Publish(status.Failed("gave up", nil))
	unsubscribe()

	var out lines
	reportStatus(out.printf, events)
	assert.Equal(t, []string{
		"searching for device...\n",
		"connected to phone (AA:BB)\n",
		status.FailureMessage + "\n",
	}, out.snapshot())
}

func runRoot(t *testing.T, args ...string) (*app, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	a := &app{cfg: config.DefaultConfig(), log: zerolog.Nop()}
	root := newRootCmd(a)
	root.SetArgs(args)
	return a, root.ExecuteContext(context.Background())
}

func TestMissingConfigFlag(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")
	_, err := runRoot(t, "--config", missing, "--sim", "name")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), missing)
}

func TestDefaultConfigMayBeAbsent(t *testing.T) {
	_, err := runRoot(t, "--sim", "name")
	assert.NoError(t, err)
}

func TestConfigFlagLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_chunks = 64\nchunk_size = 128\n"), 0o600))
	a, err := runRoot(t, "--config", path, "--chunk-size", "256", "--sim", "name")
	require.NoError(t, err)
	assert.Equal(t, 64, a.cfg.MaxChunks)
	assert.Equal(t, 256, a.cfg.ChunkSize, "flag wins over file")
	assert.Equal(t, 64, a.connConfig().MaxChunks)
}
