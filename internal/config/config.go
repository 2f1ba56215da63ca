// Package config resolves the orchestrator's CLI flags (§6.1), with
// environment-variable overrides in the teacher's getEnv* idiom layered
// underneath so the same binary can be driven from a .env file in local
// development.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the privacy/latency tier the orchestrator runs in.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModePrivate  Mode = "private"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeFast, ModeBalanced, ModePrivate:
		return true
	default:
		return false
	}
}

// Config mirrors the CLI flags of §6.1.
type Config struct {
	TargetPort       int
	ListenPort       int
	Domain           string
	Mode             Mode
	TorPort          int
	HTTPS            bool
	HTTPSPort        int
	CacheEnabled     bool
	CacheSizeMB      int64
	CacheTTL         time.Duration
	GeoPrefer        []string
	PrebuildCircuits int
	NoPrebuild       bool
}

const (
	defaultDomain           = "beam-tunnel.local"
	defaultMode             = ModeBalanced
	defaultTorPort           = 9051
	defaultCacheEnabled      = true
	defaultCacheSizeMB       = 100
	defaultCacheTTLSeconds   = 300
	defaultPrebuildCircuits  = 3
	listenPortOffset         = 1000
	listenPortOverflowOffset = 100
	maxPort                  = 65535
)

// Load parses CLI flags from args (normally os.Args[1:]), falling back to
// environment variables for any flag left at its zero value, and returns a
// validated Config. Environment variables use unprefixed names matching the
// flags (TARGET_PORT, LISTEN_PORT, DOMAIN, MODE, TOR_PORT, HTTPS, HTTPS_PORT,
// CACHE, CACHE_SIZE, CACHE_TTL, GEO_PREFER, PREBUILD_CIRCUITS, NO_PREBUILD).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("tunneld", flag.ContinueOnError)

	targetPort := fs.Int("target-port", 0, "port of the local application to tunnel (required)")
	listenPort := fs.Int("listen-port", 0, "port the daemon listens on (default target+1000)")
	domain := fs.String("domain", "", "domain name used for TLS certs and hosts-file overrides")
	mode := fs.String("mode", "", "fast|balanced|private")
	torPort := fs.Int("tor-port", 0, "control port of the onion daemon")
	https := fs.Bool("https", false, "serve TLS in addition to plain HTTP")
	httpsPort := fs.Int("https-port", 0, "HTTPS listen port (default listen+1)")
	cache := fs.Bool("cache", true, "enable the response cache")
	cacheSize := fs.Int64("cache-size", 0, "cache size budget in MB")
	cacheTTL := fs.Int64("cache-ttl", 0, "default cache entry TTL in seconds")
	geoPrefer := fs.String("geo-prefer", "", "comma-separated ISO-3166-1 alpha-2 country codes (balanced mode only)")
	prebuildCircuits := fs.Int("prebuild-circuits", 0, "number of circuits to pre-build at startup")
	noPrebuild := fs.Bool("no-prebuild", false, "skip circuit pre-build entirely")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		TargetPort:       firstNonZeroInt(*targetPort, getEnvInt("TARGET_PORT", 0)),
		Domain:           firstNonEmpty(*domain, getEnv("DOMAIN", defaultDomain)),
		Mode:             Mode(firstNonEmpty(*mode, getEnv("MODE", string(defaultMode)))),
		TorPort:          firstNonZeroInt(*torPort, getEnvInt("TOR_PORT", defaultTorPort)),
		HTTPS:            *https || getEnvBool("HTTPS", false),
		HTTPSPort:        firstNonZeroInt(*httpsPort, getEnvInt("HTTPS_PORT", 0)),
		CacheEnabled:     boolFlagOrEnv(fs, "cache", *cache, getEnvBool("CACHE", defaultCacheEnabled)),
		CacheSizeMB:      firstNonZeroInt64(*cacheSize, getEnvInt64("CACHE_SIZE", defaultCacheSizeMB)),
		CacheTTL:         time.Duration(firstNonZeroInt64(*cacheTTL, getEnvInt64("CACHE_TTL", defaultCacheTTLSeconds))) * time.Second,
		PrebuildCircuits: firstNonZeroInt(*prebuildCircuits, getEnvInt("PREBUILD_CIRCUITS", defaultPrebuildCircuits)),
		NoPrebuild:       *noPrebuild || getEnvBool("NO_PREBUILD", false),
	}

	if raw := firstNonEmpty(*geoPrefer, getEnv("GEO_PREFER", "")); raw != "" {
		cfg.GeoPrefer = splitCSVUpper(raw)
	}

	if cfg.TargetPort <= 0 || cfg.TargetPort > maxPort {
		return nil, errors.New("--target-port is required and must be a valid TCP port")
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("--mode must be one of fast|balanced|private, got %q", cfg.Mode)
	}

	cfg.ListenPort = firstNonZeroInt(*listenPort, getEnvInt("LISTEN_PORT", 0))
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = derivedListenPort(cfg.TargetPort)
	}
	if cfg.HTTPSPort <= 0 {
		cfg.HTTPSPort = cfg.ListenPort + 1
	}

	return cfg, nil
}

// derivedListenPort implements §4.5's default: target+1000, saturating to
// target+100 if that would overflow a 16-bit port number.
func derivedListenPort(targetPort int) int {
	if targetPort+listenPortOffset > maxPort {
		return targetPort + listenPortOverflowOffset
	}
	return targetPort + listenPortOffset
}

func boolFlagOrEnv(fs *flag.FlagSet, name string, flagVal, envVal bool) bool {
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			explicit = true
		}
	})
	if explicit {
		return flagVal
	}
	return envVal
}

func splitCSVUpper(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonZeroInt(a int, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroInt64(a int64, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
