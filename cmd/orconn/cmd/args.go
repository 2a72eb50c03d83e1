package cmd

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/mmcloughlin/orconn/log"
	"github.com/mmcloughlin/orconn/telemetry/expvar"
	"github.com/mmcloughlin/orconn/telemetry/logging"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/uber-go/tally"
	"github.com/uber-go/tally/multi"
)

// Module is something that can be configured with command line arguments.
type Module interface {
	Attach(*pflag.FlagSet)
}

// Register adds a list of modules to the given flag set.
func Register(f *pflag.FlagSet, modules ...Module) {
	for _, m := range modules {
		m.Attach(f)
	}
}

// RelayData configures relay data directory.
type RelayData struct {
	dir string
}

// Attach configures command line flags.
func (d *RelayData) Attach(f *pflag.FlagSet) {
	f.StringVarP(&d.dir, "data-dir", "d", "", "data directory")
}

// Data returns the data directory, preferring the flag over cfg.
func (d *RelayData) Data(cfg ...*torconfig.Config) torconfig.Data {
	dir := d.dir
	if dir == "" && len(cfg) > 0 && cfg[0] != nil {
		dir = cfg[0].DataDirectory
	}
	return torconfig.NewDataDirectory(dir)
}

// ConfigFile configures where the torrc or TOML configuration is read from.
type ConfigFile struct {
	path string
}

// Attach configures command line flags.
func (c *ConfigFile) Attach(f *pflag.FlagSet) {
	f.StringVarP(&c.path, "config", "f", "", "configuration file (torrc or .toml)")
}

// Load reads the configuration, or returns defaults without a file.
func (c *ConfigFile) Load() (*torconfig.Config, error) {
	if c.path == "" {
		return torconfig.Default(), nil
	}
	cfg, err := torconfig.Load(c.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Path returns the configuration file path.
func (c *ConfigFile) Path() string { return c.path }

// Logging configures log output.
type Logging struct {
	level   string
	logfile string
}

// Attach configures command line flags.
func (l *Logging) Attach(f *pflag.FlagSet) {
	f.StringVar(&l.level, "log-level", "info", "terminal log level (debug, info, warn, error)")
	f.StringVarP(&l.logfile, "logfile", "l", "", "JSON log file")
}

// Logger builds a logger writing to the terminal and optionally a JSON file.
func (l *Logging) Logger() (log.Logger, error) {
	lvl, err := log15.LvlFromString(strings.ToLower(l.level))
	if err != nil {
		return nil, errors.Wrap(err, "bad log level")
	}

	handlers := []log15.Handler{
		log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stdout, log15.TerminalFormat())),
	}
	if l.logfile != "" {
		fh, err := log15.FileHandler(l.logfile, log15.JsonFormat())
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, fh)
	}

	base := log15.New()
	base.SetHandler(log15.MultiHandler(handlers...))
	return log.NewLog15(base), nil
}

// metrics builds the root metrics scope reporting to expvar and the log.
func metrics(l log.Logger) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix: "orconn",
		Tags:   map[string]string{},
		CachedReporter: multi.NewMultiCachedReporter(
			expvar.NewReporter("orconn"),
			logging.NewReporter(l, log.LevelDebug),
		),
	}, 1*time.Second)
}
