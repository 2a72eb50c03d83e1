package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/check"
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/telemetry"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept and maintain OR connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var (
	serveData     = new(RelayData)
	serveConfig   = new(ConfigFile)
	serveLogging  = new(Logging)
	telemetryAddr string
	brokenLimit   int
)

func init() {
	serveCmd.Flags().StringVarP(&telemetryAddr, "telemetry", "t", "localhost:7142", "telemetry address")
	serveCmd.Flags().IntVar(&brokenLimit, "broken-states", 10, "number of broken states reported")

	Register(serveCmd.Flags(), serveData, serveConfig, serveLogging)

	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	l, err := serveLogging.Logger()
	if err != nil {
		return err
	}

	cfg, err := serveConfig.Load()
	if err != nil {
		return err
	}

	circuits := newRefuseCircuits(l)
	s, err := newStack(cfg, serveData.Data(cfg), orconn.Collaborators{
		Events:    newLogEvents(nil, l),
		Processor: circuits,
	}, l)
	if err != nil {
		return err
	}
	circuits.manager = s.manager

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry, including live connection state.
	h := telemetry.Handler()
	h.Handle("/connections", telemetry.JSONHandler(func() (interface{}, error) {
		return s.snapshot(ctx)
	}, l)).Methods(http.MethodGet)
	h.Handle("/broken", telemetry.JSONHandler(func() (interface{}, error) {
		var top []orconn.BrokenState
		err := s.loop.Do(ctx, func() {
			top = s.manager.BrokenStates().Top(brokenLimit)
		})
		return top, err
	}, l)).Methods(http.MethodGet)
	go telemetry.Serve(telemetryAddr, h, l)

	go telemetry.ReportRuntime(ctx, s.scope, 10*time.Second)

	if path := serveConfig.Path(); path != "" {
		w, err := torconfig.Watch(path, func(next *torconfig.Config) {
			s.loop.Post(func() {
				s.manager.UpdateRateLimits(next)
			})
		}, l)
		if err != nil {
			return err
		}
		defer check.Close(l, w)
	}

	if cfg.IsServer() && !cfg.NoListen {
		go func() {
			if err := s.tcp.Listen(ctx, cfg.ORAddr()); err != nil {
				log.Err(l, err, "listener failed")
				stop()
			}
		}()
	}

	// Periodically summarize failed connection attempts.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.loop.Post(func() {
					if r := s.manager.BrokenStates().Report(); r != "" {
						l.Notice(r)
					}
				})
			}
		}
	}()

	return s.run(ctx)
}
