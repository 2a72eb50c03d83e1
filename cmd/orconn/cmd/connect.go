package cmd

import (
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"time"

	"github.com/mmcloughlin/orconn"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Initiate a connection with a relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return connect()
	},
}

var (
	connectData    = new(RelayData)
	connectConfig  = new(ConfigFile)
	connectLogging = new(Logging)

	addr        string
	fingerprint string
	timeout     time.Duration
)

func init() {
	connectCmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:9111", "address to connect to")
	connectCmd.Flags().StringVar(&fingerprint, "fingerprint", "", "expected relay fingerprint (hex)")
	connectCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "handshake timeout")

	Register(connectCmd.Flags(), connectData, connectConfig, connectLogging)

	rootCmd.AddCommand(connectCmd)
}

func connect() error {
	l, err := connectLogging.Logger()
	if err != nil {
		return err
	}

	cfg, err := connectConfig.Load()
	if err != nil {
		return err
	}

	target, err := netip.ParseAddrPort(addr)
	if err != nil {
		return errors.Wrap(err, "bad address")
	}

	var id orconn.Fingerprint
	if fingerprint != "" {
		id, err = orconn.ParseFingerprint(fingerprint)
		if err != nil {
			return err
		}
	}

	// Clients never accept connections.
	cfg.ORPort = 0

	status := make(chan statusEvent, 16)
	s, err := newStack(cfg, connectData.Data(cfg), orconn.Collaborators{
		Events: newLogEvents(status, l),
	}, l)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.run(ctx) }()

	var c *orconn.Connection
	if err := s.loop.Do(ctx, func() {
		c = s.manager.LaunchConnection(target, id)
	}); err != nil {
		return err
	}
	if c == nil {
		cancel()
		<-errc
		return errors.New("connection refused locally")
	}

	result := waitForStatus(ctx, status, c.Handle())
	if result == nil {
		cancel()
		<-errc
		return errors.New("timed out waiting for handshake")
	}
	if result.status != orconn.StatusConnected {
		cancel()
		<-errc
		return errors.Errorf("connection failed: %s", result.reason)
	}

	infos, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(infos); err != nil {
		return err
	}

	cancel()
	return <-errc
}

// waitForStatus returns the first terminal status for h, or nil if ctx ends
// first.
func waitForStatus(ctx context.Context, status <-chan statusEvent, h orconn.Handle) *statusEvent {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-status:
			if ev.handle != h {
				continue
			}
			switch ev.status {
			case orconn.StatusConnected, orconn.StatusFailed, orconn.StatusClosed:
				return &ev
			}
		}
	}
}
