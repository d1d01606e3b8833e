// Package config assembles the server configuration. Each setting is taken
// from the first source that provides it: command-line flags, the process
// environment, a .env file, then the built-in default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables understood by Load.
const (
	EnvDB                   = "KNJIZNICA_DB"
	EnvGlobalDir            = "KNJIZNICA_GLOBAL_DIR"
	EnvAddr                 = "KNJIZNICA_ADDR"
	EnvLog                  = "KNJIZNICA_LOG"
	EnvLogLevel             = "KNJIZNICA_LOG_LEVEL"
	EnvAdmin                = "KNJIZNICA_ADMIN"
	EnvPromoteOnReadyCancel = "KNJIZNICA_PROMOTE_ON_READY_CANCEL"
	EnvCacheTTL             = "KNJIZNICA_CACHE_TTL"
	EnvReconcileInterval    = "KNJIZNICA_RECONCILE_INTERVAL"
	EnvReserveRPS           = "KNJIZNICA_RESERVE_RPS"
	EnvReserveBurst         = "KNJIZNICA_RESERVE_BURST"
	EnvEnvFile              = "KNJIZNICA_ENV_FILE"
)

// DefaultEnvFile is read when no other file is named. It may be absent.
const DefaultEnvFile = ".env"

// Config holds the server settings.
type Config struct {
	DBPath               string
	GlobalDir            string
	Addr                 string
	LogPath              string
	LogLevel             slog.Level
	AdminUser            string
	PromoteOnReadyCancel bool
	CacheTTL             time.Duration
	// ReconcileInterval of zero disables the background reconciler.
	ReconcileInterval time.Duration
	ReserveRPS        float64
	ReserveBurst      int
}

type setting struct {
	env    string
	flags  []string
	def    string
	isBool bool
	apply  func(c *Config, v string) error
}

var settings = []setting{
	{env: EnvDB, flags: []string{"db", "d"}, def: "knjiznica.sqlite3", apply: func(c *Config, v string) error {
		c.DBPath = v
		return nil
	}},
	{env: EnvGlobalDir, flags: []string{"global", "g"}, def: "knjiznica-global", apply: func(c *Config, v string) error {
		c.GlobalDir = v
		return nil
	}},
	{env: EnvAddr, flags: []string{"addr", "a"}, def: ":8080", apply: func(c *Config, v string) error {
		c.Addr = v
		return nil
	}},
	{env: EnvLog, flags: []string{"log", "l"}, apply: func(c *Config, v string) error {
		c.LogPath = v
		return nil
	}},
	{env: EnvLogLevel, flags: []string{"log-level"}, def: "info", apply: func(c *Config, v string) error {
		return c.LogLevel.UnmarshalText([]byte(v))
	}},
	{env: EnvAdmin, flags: []string{"user", "u"}, def: "Admin", apply: func(c *Config, v string) error {
		c.AdminUser = v
		return nil
	}},
	{env: EnvPromoteOnReadyCancel, flags: []string{"promote-on-ready-cancel"}, def: "false", isBool: true, apply: func(c *Config, v string) (err error) {
		c.PromoteOnReadyCancel, err = strconv.ParseBool(v)
		return err
	}},
	{env: EnvCacheTTL, flags: []string{"cache-ttl"}, def: "30m", apply: func(c *Config, v string) (err error) {
		c.CacheTTL, err = time.ParseDuration(v)
		return err
	}},
	{env: EnvReconcileInterval, flags: []string{"reconcile-interval"}, def: "10m", apply: func(c *Config, v string) (err error) {
		c.ReconcileInterval, err = time.ParseDuration(v)
		return err
	}},
	{env: EnvReserveRPS, flags: []string{"reserve-rps"}, def: "1", apply: func(c *Config, v string) (err error) {
		c.ReserveRPS, err = strconv.ParseFloat(v, 64)
		return err
	}},
	{env: EnvReserveBurst, flags: []string{"reserve-burst"}, def: "5", apply: func(c *Config, v string) (err error) {
		c.ReserveBurst, err = strconv.Atoi(v)
		return err
	}},
}

const usage = `Usage: knjiznica [flags]

Flags:
  -d, -db <path>                 SQLite database path (default: knjiznica.sqlite3)
  -g, -global <dir>              global projection directory (default: knjiznica-global)
  -a, -addr <host:port>          listen address (default: :8080)
  -u, -user <name>               admin username on first run (default: Admin)
  -l, -log <path>                log file path (default: no file, stdout/stderr only)
  -log-level <level>             debug, info, warn or error (default: info)
  -env <path>                    .env file to read (default: .env, optional)
  -promote-on-ready-cancel       promote the waitlist when a ready reservation is cancelled
  -cache-ttl <duration>          catalog view cache lifetime (default: 30m)
  -reconcile-interval <duration> projection reconcile period, 0 disables (default: 10m)
  -reserve-rps <n>               reservation requests per second per requester (default: 1)
  -reserve-burst <n>             reservation request burst per requester (default: 5)
  -h, -help                      show this help and exit

Every flag can also be set through the environment, e.g. KNJIZNICA_DB.
`

// rawFlag records the literal flag value and whether it was given.
type rawFlag struct {
	value  string
	set    bool
	isBool bool
}

func (f *rawFlag) String() string { return f.value }

func (f *rawFlag) Set(v string) error {
	f.value = v
	f.set = true
	return nil
}

func (f *rawFlag) IsBoolFlag() bool { return f.isBool }

// Load parses args (without the program name) and resolves every setting.
// lookupEnv is normally os.LookupEnv. flag.ErrHelp is returned after the
// usage text has been written to out.
func Load(args []string, lookupEnv func(string) (string, bool), out io.Writer) (*Config, error) {
	fset := flag.NewFlagSet("knjiznica", flag.ContinueOnError)
	fset.SetOutput(out)
	fset.Usage = func() { fmt.Fprint(out, usage) }

	raw := make([]*rawFlag, len(settings))
	for i, s := range settings {
		raw[i] = &rawFlag{isBool: s.isBool}
		for _, name := range s.flags {
			fset.Var(raw[i], name, "")
		}
	}
	envFile := &rawFlag{}
	fset.Var(envFile, "env", "")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if fset.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fset.Arg(0))
	}

	dotenv, err := readEnvFile(envFile, lookupEnv)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	for i, s := range settings {
		v := s.def
		if dv, ok := dotenv[s.env]; ok {
			v = dv
		}
		if ev, ok := lookupEnv(s.env); ok {
			v = ev
		}
		if raw[i].set {
			v = raw[i].value
		}
		if err := s.apply(cfg, strings.TrimSpace(v)); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", s.env, v, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnvFile loads the .env file named by -env, by KNJIZNICA_ENV_FILE, or
// the default. Only an explicitly named file must exist.
func readEnvFile(f *rawFlag, lookupEnv func(string) (string, bool)) (map[string]string, error) {
	path, explicit := DefaultEnvFile, false
	if v, ok := lookupEnv(EnvEnvFile); ok && v != "" {
		path, explicit = v, true
	}
	if f.set {
		path, explicit = f.value, true
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("database path must not be empty")
	case c.GlobalDir == "":
		return errors.New("global projection directory must not be empty")
	case c.AdminUser == "":
		return errors.New("admin username must not be empty")
	case c.CacheTTL <= 0:
		return errors.New("cache TTL must be positive")
	case c.ReconcileInterval < 0:
		return errors.New("reconcile interval must not be negative")
	case c.ReserveRPS <= 0:
		return errors.New("reservation rate must be positive")
	case c.ReserveBurst < 1:
		return errors.New("reservation burst must be at least 1")
	}
	return nil
}
