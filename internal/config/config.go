package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the WirePBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	SIPPort    int
	RTPPortMin int
	RTPPortMax int
	ExternalIP string // public IP for SDP rewriting (media proxy)
	LogLevel   string
	LogFormat  string // log output format: "text" or "json"
	APIKey     string // shared key for the operational HTTP API

	// Dialplan.
	InternalPattern string // regex matched against the dialed user part

	// Voicemail.
	PromptDir        string
	MaxRecordSeconds int
	NoAnswerSeconds  int

	// DTMF.
	DTMFPayloadType int // dynamic payload type for telephone-event
	DTMFDebounceMs  int

	// iLBC.
	ILBCMode int // frame size in ms, 20 or 30

	// Registration brute-force guard.
	RegisterFailWindowSeconds int
	RegisterFailThreshold     int
	RegisterBlockSeconds      int
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultSIPPort          = 5060
	defaultRTPPortMin       = 10000
	defaultRTPPortMax       = 20000
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultInternalPattern  = `^\d{4}$`
	defaultMaxRecordSecs    = 120
	defaultNoAnswerSecs     = 25
	defaultDTMFPayloadType  = 101
	defaultDTMFDebounceMs   = 500
	defaultILBCMode         = 30
	defaultRegFailWindow    = 60
	defaultRegFailThreshold = 3
	defaultRegBlockSeconds  = 300
)

// envPrefix is the prefix for all WirePBX environment variables.
const envPrefix = "WIREPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

// load is the testable core of Load.
func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wirepbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database, greetings and recordings")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "operational HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media relay")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP rewriting (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "shared key required by the operational HTTP API (disabled if empty)")
	fs.StringVar(&cfg.InternalPattern, "internal-pattern", defaultInternalPattern, "regex for dialed numbers routed as internal extensions")
	fs.StringVar(&cfg.PromptDir, "prompt-dir", "", "directory holding IVR prompt WAV files")
	fs.IntVar(&cfg.MaxRecordSeconds, "max-record-seconds", defaultMaxRecordSecs, "maximum length of a voicemail or greeting recording")
	fs.IntVar(&cfg.NoAnswerSeconds, "no-answer-seconds", defaultNoAnswerSecs, "seconds to ring an extension before diverting to voicemail")
	fs.IntVar(&cfg.DTMFPayloadType, "dtmf-payload-type", defaultDTMFPayloadType, "dynamic RTP payload type for telephone-event DTMF")
	fs.IntVar(&cfg.DTMFDebounceMs, "dtmf-debounce-ms", defaultDTMFDebounceMs, "suppression window for duplicate in-band DTMF detections")
	fs.IntVar(&cfg.ILBCMode, "ilbc-mode", defaultILBCMode, "iLBC frame mode in ms (20 or 30)")
	fs.IntVar(&cfg.RegisterFailWindowSeconds, "register-fail-window", defaultRegFailWindow, "sliding window in seconds for counting auth failures per source")
	fs.IntVar(&cfg.RegisterFailThreshold, "register-fail-threshold", defaultRegFailThreshold, "auth failures within the window before a source is blocked")
	fs.IntVar(&cfg.RegisterBlockSeconds, "register-block-seconds", defaultRegBlockSeconds, "seconds a source stays blocked after exceeding the threshold")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strVars := map[string]*string{
		"data-dir":         &cfg.DataDir,
		"external-ip":      &cfg.ExternalIP,
		"log-level":        &cfg.LogLevel,
		"log-format":       &cfg.LogFormat,
		"api-key":          &cfg.APIKey,
		"internal-pattern": &cfg.InternalPattern,
		"prompt-dir":       &cfg.PromptDir,
	}
	intVars := map[string]*int{
		"http-port":               &cfg.HTTPPort,
		"sip-port":                &cfg.SIPPort,
		"rtp-port-min":            &cfg.RTPPortMin,
		"rtp-port-max":            &cfg.RTPPortMax,
		"max-record-seconds":      &cfg.MaxRecordSeconds,
		"no-answer-seconds":       &cfg.NoAnswerSeconds,
		"dtmf-payload-type":       &cfg.DTMFPayloadType,
		"dtmf-debounce-ms":        &cfg.DTMFDebounceMs,
		"ilbc-mode":               &cfg.ILBCMode,
		"register-fail-window":    &cfg.RegisterFailWindowSeconds,
		"register-fail-threshold": &cfg.RegisterFailThreshold,
		"register-block-seconds":  &cfg.RegisterBlockSeconds,
	}

	for flagName, dst := range strVars {
		if set[flagName] {
			continue
		}
		if val, ok := lookupEnv(envName(flagName)); ok && val != "" {
			*dst = val
		}
	}
	for flagName, dst := range intVars {
		if set[flagName] {
			continue
		}
		if val, ok := lookupEnv(envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
}

// envName maps a flag name to its environment variable,
// e.g. "sip-port" -> "WIREPBX_SIP_PORT".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if _, err := regexp.Compile(c.InternalPattern); err != nil {
		return fmt.Errorf("internal-pattern is not a valid regex: %w", err)
	}
	if c.MaxRecordSeconds < 1 {
		return fmt.Errorf("max-record-seconds must be positive, got %d", c.MaxRecordSeconds)
	}
	if c.NoAnswerSeconds < 1 {
		return fmt.Errorf("no-answer-seconds must be positive, got %d", c.NoAnswerSeconds)
	}
	// Dynamic payload types live in 96-127.
	if c.DTMFPayloadType < 96 || c.DTMFPayloadType > 127 {
		return fmt.Errorf("dtmf-payload-type must be between 96 and 127, got %d", c.DTMFPayloadType)
	}
	if c.DTMFDebounceMs < 0 {
		return fmt.Errorf("dtmf-debounce-ms must not be negative, got %d", c.DTMFDebounceMs)
	}
	if c.ILBCMode != 20 && c.ILBCMode != 30 {
		return fmt.Errorf("ilbc-mode must be 20 or 30, got %d", c.ILBCMode)
	}
	if c.RegisterFailWindowSeconds < 1 {
		return fmt.Errorf("register-fail-window must be positive, got %d", c.RegisterFailWindowSeconds)
	}
	if c.RegisterFailThreshold < 1 {
		return fmt.Errorf("register-fail-threshold must be positive, got %d", c.RegisterFailThreshold)
	}
	if c.RegisterBlockSeconds < 1 {
		return fmt.Errorf("register-block-seconds must be positive, got %d", c.RegisterBlockSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaIP returns the IP address to use in SDP for the media proxy.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the configured format
// and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
