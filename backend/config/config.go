// Package config reads settings from command line flags and an optional INI file.
// Flags given explicitly win over file values.
package config

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrFlags = errors.New("failed to parse command line arguments")
	ErrFile  = errors.New("failed to load config file")
	ErrLevel = errors.New("failed to parse log level")
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string

	LocalUser      string
	RingTimeout    time.Duration
	DurationTick   time.Duration
	EndedCacheSize int

	CallOwningScreens []string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

func Default() Config {
	return Config{
		APIListenAddr:     ":8080",
		WSListenAddr:      ":8888",
		LocalUser:         "local",
		RingTimeout:       30 * time.Second,
		DurationTick:      time.Second,
		EndedCacheSize:    1024,
		CallOwningScreens: []string{"call", "participant_picker"},
		LogLevel:          "debug",
		LogMaxSizeMB:      100,
		LogMaxBackups:     1,
	}
}

// Load parses args (without the program name).
func Load(args []string) (*Config, error) {
	cfg := Default()
	screens := strings.Join(cfg.CallOwningScreens, ",")

	fs := pflag.NewFlagSet("callsession", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "INI config file")
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
	fs.StringVarP(&cfg.LocalUser, "local-user", "u", cfg.LocalUser, "user id signing local actions")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "how long an invite may ring")
	fs.DurationVar(&cfg.DurationTick, "duration-tick", cfg.DurationTick, "call duration notice interval")
	fs.IntVar(&cfg.EndedCacheSize, "ended-cache-size", cfg.EndedCacheSize, "number of ended call ids remembered")
	fs.StringVar(&screens, "call-owning-screens", screens, "comma-separated call-owning host screens")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotated log file, empty for stdout only")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", cfg.LogMaxSizeMB, "log file size in megabytes before rotation")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", cfg.LogMaxBackups, "rotated log files to keep")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrFlags, err)
	}

	if *path != "" {
		explicit := make(map[string]string)
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
		if err := cfg.loadFile(*path); err != nil {
			return nil, errors.Join(ErrFile, err)
		}
		screens = strings.Join(cfg.CallOwningScreens, ",")
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, errors.Join(ErrFlags, err)
			}
		}
	}
	cfg.CallOwningScreens = splitList(screens)
	return &cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	server := f.Section("server")
	cfg.APIListenAddr = server.Key("api_listen_addr").MustString(cfg.APIListenAddr)
	cfg.WSListenAddr = server.Key("ws_listen_addr").MustString(cfg.WSListenAddr)

	call := f.Section("call")
	cfg.LocalUser = call.Key("local_user").MustString(cfg.LocalUser)
	cfg.RingTimeout = call.Key("ring_timeout").MustDuration(cfg.RingTimeout)
	cfg.DurationTick = call.Key("duration_tick").MustDuration(cfg.DurationTick)
	cfg.EndedCacheSize = call.Key("ended_cache_size").MustInt(cfg.EndedCacheSize)

	if key := f.Section("presentation").Key("call_owning_screens"); key.String() != "" {
		cfg.CallOwningScreens = splitList(key.String())
	}

	logging := f.Section("logging")
	cfg.LogLevel = logging.Key("level").MustString(cfg.LogLevel)
	cfg.LogFile = logging.Key("file").MustString(cfg.LogFile)
	cfg.LogMaxSizeMB = logging.Key("max_size_mb").MustInt(cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = logging.Key("max_backups").MustInt(cfg.LogMaxBackups)
	return nil
}

// Logger builds the process logger. The returned closer flushes the log
// file, if any.
func (cfg *Config) Logger(stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), io.NopCloser(nil), errors.Join(ErrLevel, err)
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var (
		w      io.Writer = stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
		w = zerolog.MultiLevelWriter(stdout, lj)
		closer = lj
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl), closer, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
