package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Strategy selects how the monitor drives detection cycles across CPUs.
type Strategy string

const (
	// StrategyPower runs a single monitoring thread for all CPUs.
	StrategyPower Strategy = "power"
	// StrategyAdaptive runs a coordinator that spawns per-CPU workers on demand.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyAggressive runs one worker per monitored CPU from startup.
	StrategyAggressive Strategy = "aggressive"
)

// BackendKind selects the runqueue information source.
type BackendKind string

const (
	// BackendSchedDebug parses the kernel's sched debug text dump.
	BackendSchedDebug BackendKind = "sched_debug"
	// BackendQueueTrack reads per-CPU maps filled by kernel tracepoint programs.
	BackendQueueTrack BackendKind = "queue_track"
)

// Config represents runtime configuration sourced from environment variables.
// It is frozen after Load returns.
type Config struct {
	CPUList           string
	StarvingThreshold time.Duration
	Granularity       time.Duration
	BoostPeriod       uint64 // ns
	BoostRuntime      uint64 // ns
	BoostDuration     time.Duration
	FIFOPriority      int
	Strategy          Strategy
	Backend           BackendKind
	ForceFIFO         bool
	LogOnly           bool
	IdleGate          bool
	IgnoreThreads     []*regexp.Regexp
	IgnoreProcesses   []*regexp.Regexp
	Reservation       int // percent of CPU time for the daemon itself, 0 disables
	Supervised        bool

	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	ProcRoot         string
	SysfsRoot        string
	DebugfsRoot      string
	BPFObject        string
	WS               WebsocketConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Load parses configuration from environment variables, applying defaults.
// Every violation of the documented bounds is a fatal configuration error.
func Load() (Config, error) {
	cfg := Config{
		CPUList:           "all",
		StarvingThreshold: 30 * time.Second,
		Granularity:       5 * time.Second,
		BoostPeriod:       1_000_000_000,
		BoostRuntime:      20_000,
		BoostDuration:     3 * time.Second,
		FIFOPriority:      1,
		Strategy:          StrategyPower,
		Backend:           BackendSchedDebug,
		IdleGate:          true,
		ListenAddr:        "",
		AllowedOrigins:    []string{"*"},
		LogLevel:          slog.LevelInfo,
		ProcRoot:          "/proc",
		SysfsRoot:         "/sys",
		DebugfsRoot:       "/sys/kernel/debug",
		BPFObject:         "/usr/libexec/stalld/stalld.bpf.o",
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_CPU_LIST")); value != "" {
		cfg.CPUList = value
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_STARVING_THRESHOLD")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_STARVING_THRESHOLD: %w", err)
		}
		cfg.StarvingThreshold = duration
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_GRANULARITY")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_GRANULARITY: %w", err)
		}
		cfg.Granularity = duration
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_BOOST_PERIOD")); value != "" {
		period, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_BOOST_PERIOD: %w", err)
		}
		cfg.BoostPeriod = period
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_BOOST_RUNTIME")); value != "" {
		runtime, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_BOOST_RUNTIME: %w", err)
		}
		cfg.BoostRuntime = runtime
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_BOOST_DURATION")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_BOOST_DURATION: %w", err)
		}
		cfg.BoostDuration = duration
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_FIFO_PRIORITY")); value != "" {
		prio, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_FIFO_PRIORITY: %w", err)
		}
		if prio < 1 || prio > 99 {
			return Config{}, fmt.Errorf("STALLD_FIFO_PRIORITY must be within 1..99")
		}
		cfg.FIFOPriority = prio
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_STRATEGY")); value != "" {
		switch Strategy(value) {
		case StrategyPower, StrategyAdaptive, StrategyAggressive:
			cfg.Strategy = Strategy(value)
		default:
			return Config{}, fmt.Errorf("unknown STALLD_STRATEGY %q", value)
		}
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_BACKEND")); value != "" {
		switch BackendKind(value) {
		case BackendSchedDebug, BackendQueueTrack:
			cfg.Backend = BackendKind(value)
		default:
			return Config{}, fmt.Errorf("unknown STALLD_BACKEND %q", value)
		}
	}

	var err error
	if cfg.ForceFIFO, err = loadBool("STALLD_FORCE_FIFO", cfg.ForceFIFO); err != nil {
		return Config{}, err
	}
	if cfg.LogOnly, err = loadBool("STALLD_LOG_ONLY", cfg.LogOnly); err != nil {
		return Config{}, err
	}
	if cfg.IdleGate, err = loadBool("STALLD_IDLE_GATE", cfg.IdleGate); err != nil {
		return Config{}, err
	}
	if cfg.Supervised, err = loadBool("STALLD_SUPERVISED", cfg.Supervised); err != nil {
		return Config{}, err
	}
	if cfg.EnablePrometheus, err = loadBool("STALLD_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = loadBool("STALLD_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if cfg.IgnoreThreads, err = loadRegexps("STALLD_IGNORE_THREADS"); err != nil {
		return Config{}, err
	}
	if cfg.IgnoreProcesses, err = loadRegexps("STALLD_IGNORE_PROCESSES"); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_RESERVATION")); value != "" {
		pct, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_RESERVATION: %w", err)
		}
		cfg.Reservation = pct
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("STALLD_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("STALLD_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("STALLD_DEBUGFS_ROOT")); value != "" {
		cfg.DebugfsRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("STALLD_BPF_OBJECT")); value != "" {
		cfg.BPFObject = value
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("STALLD_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("STALLD_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("STALLD_WS_READ_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STALLD_WS_READ_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("STALLD_WS_READ_TIMEOUT must be > 0")
		}
		cfg.WS.ReadTimeout = timeout
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate enforces the bounds and cross-field rules the daemon depends on.
func (c Config) validate() error {
	if c.StarvingThreshold < time.Second || c.StarvingThreshold > time.Hour {
		return fmt.Errorf("starving threshold must be within 1s..1h, got %s", c.StarvingThreshold)
	}
	if c.Granularity < time.Second || c.Granularity > 10*time.Minute {
		return fmt.Errorf("granularity must be within 1s..10m, got %s", c.Granularity)
	}
	if c.BoostRuntime == 0 {
		return fmt.Errorf("boost runtime must be > 0")
	}
	if c.BoostPeriod < 200_000_000 || c.BoostPeriod > 4_000_000_000 {
		return fmt.Errorf("boost period must be within 200ms..4s, got %dns", c.BoostPeriod)
	}
	if c.BoostRuntime > c.BoostPeriod {
		return fmt.Errorf("boost runtime %dns is longer than the period %dns", c.BoostRuntime, c.BoostPeriod)
	}
	if c.BoostDuration < time.Second || c.BoostDuration > time.Minute {
		return fmt.Errorf("boost duration must be within 1s..60s, got %s", c.BoostDuration)
	}
	if c.BoostDuration > c.StarvingThreshold {
		return fmt.Errorf("boost duration %s cannot be longer than the starving threshold %s",
			c.BoostDuration, c.StarvingThreshold)
	}
	if time.Duration(c.BoostPeriod) > c.BoostDuration {
		return fmt.Errorf("boost period %dns is longer than the boost duration %s: the boosted task might not run",
			c.BoostPeriod, c.BoostDuration)
	}
	if c.ForceFIFO && c.Strategy == StrategyPower {
		return fmt.Errorf("fixed-priority boosting cannot be used with the power strategy")
	}
	if c.Reservation != 0 {
		if c.Reservation < 10 || c.Reservation > 90 {
			return fmt.Errorf("reservation must be within 10..90 percent, got %d", c.Reservation)
		}
		if c.Strategy != StrategyPower {
			return fmt.Errorf("reservation only works with the power strategy")
		}
	}
	return nil
}

func loadBool(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func loadRegexps(key string) ([]*regexp.Regexp, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	parts := splitAndTrim(value, ",")
	compiled := make([]*regexp.Regexp, 0, len(parts))
	for _, part := range parts {
		re, err := regexp.Compile(part)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", key, part, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
