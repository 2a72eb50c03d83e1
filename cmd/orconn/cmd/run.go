package cmd

import (
	"context"
	"io"

	"github.com/mmcloughlin/orconn"
	"github.com/mmcloughlin/orconn/check"
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/meta"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/mmcloughlin/orconn/transport"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
)

// stack is a Manager wired to a TCP transport and its event loop.
type stack struct {
	cfg     *torconfig.Config
	manager *orconn.Manager
	loop    *transport.Loop
	tcp     *transport.TCP

	scope  tally.Scope
	closer io.Closer
	logger log.Logger
}

func newStack(cfg *torconfig.Config, data torconfig.Data, deps orconn.Collaborators, l log.Logger) (*stack, error) {
	if cfg.Platform == "" {
		cfg.Platform = meta.Platform()
	}

	keys, err := data.LoadOrGenerateKeys()
	if err != nil {
		return nil, errors.Wrap(err, "could not load keys")
	}

	tlsCtx, err := orconn.NewTLSContext(keys.Identity)
	if err != nil {
		return nil, errors.Wrap(err, "could not build tls context")
	}

	scope, closer := metrics(l)

	loop := transport.NewLoop(cfg.TokenBucketRefillInterval, l)
	tcp := transport.NewTCP(loop, tlsCtx, scope, l)
	m, err := orconn.NewManager(cfg, tlsCtx, tcp, deps, scope, l)
	if err != nil {
		check.Close(l, closer)
		return nil, err
	}
	tcp.Bind(m)

	return &stack{
		cfg:     cfg,
		manager: m,
		loop:    loop,
		tcp:     tcp,
		scope:   scope,
		closer:  closer,
		logger:  l,
	}, nil
}

// run drives the event loop until ctx is cancelled, then releases sockets.
func (s *stack) run(ctx context.Context) error {
	err := s.loop.Run(ctx, s.manager)
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return multierr.Combine(err, s.tcp.Shutdown(), s.closer.Close())
}

// snapshot collects connection summaries from the loop goroutine.
func (s *stack) snapshot(ctx context.Context) ([]orconn.ConnectionInfo, error) {
	var infos []orconn.ConnectionInfo
	err := s.loop.Do(ctx, func() {
		infos = s.manager.Snapshot()
	})
	return infos, err
}
