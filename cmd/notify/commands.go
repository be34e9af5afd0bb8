package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-notify/internal/bt"
)

func newScanCmd(a *app) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices and their advertised names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _ := a.open(simReceiverName, simSenderName)
			defer adapter.Close()
			devs, err := scan(cmd.Context(), adapter, duration)
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("no devices found")
				return nil
			}
			for i, d := range devs {
				fmt.Printf("[%d] Name=%s Address=%s Paired=%t Path=%s\n", i, d.DisplayName(), d.Address, d.Paired, d.Path)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 15*time.Second, "how long to scan")
	return cmd
}

// scan collects every device seen during d. Running out of time is the
// normal way for it to end.
func scan(ctx context.Context, adapter bt.Adapter, d time.Duration) ([]bt.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		devs []bt.Device
	)
	_, err := adapter.Discover(ctx, func(dev bt.Device) bool {
		mu.Lock()
		defer mu.Unlock()
		key := dev.Path
		if dev.Address != "" {
			key = dev.Address
		}
		if !seen[key] {
			seen[key] = true
			devs = append(devs, dev)
		}
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return devs, nil
}

func newForgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Forget the remembered device",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.store().Clear(); err != nil {
				return err
			}
			fmt.Println("remembered device cleared")
			return nil
		},
	}
}

func newNameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "name",
		Short: "Print this device's name, the identifier the receiver pairs with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _ := a.open(simSenderName, simReceiverName)
			defer adapter.Close()
			name, err := adapter.Name(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		},
	}
}
