// Package orchestrator selects a privacy/latency mode, wires the cache,
// proxy core, onion controller, P2P backend, TLS provider and hosts-file
// resolver together, and owns the shutdown signal (§4.5).
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"beam-tunnel-daemon/internal/applog"
	"beam-tunnel-daemon/internal/cache"
	"beam-tunnel-daemon/internal/certs"
	"beam-tunnel-daemon/internal/config"
	"beam-tunnel-daemon/internal/hostsfile"
	"beam-tunnel-daemon/internal/p2p"
	"beam-tunnel-daemon/internal/proxy"
	"beam-tunnel-daemon/internal/tor"

	"golang.org/x/sync/errgroup"
)

// PerformanceProfile describes the expected latency and privacy tradeoff of
// a mode, surfaced to the operator at startup the way the original
// mode-dispatch printed a banner per tunnel mode.
type PerformanceProfile struct {
	Mode             config.Mode
	ExpectedLatency  string
	PrivacyLevel     string
	RequiresOnion    bool
}

var profiles = map[config.Mode]PerformanceProfile{
	config.ModeFast: {
		Mode:            config.ModeFast,
		ExpectedLatency: "~30-50ms",
		PrivacyLevel:    "Low (IP visible to peers)",
		RequiresOnion:   false,
	},
	config.ModeBalanced: {
		Mode:            config.ModeBalanced,
		ExpectedLatency: "~80-150ms",
		PrivacyLevel:    "Medium (server exposed, clients hidden)",
		RequiresOnion:   true,
	},
	config.ModePrivate: {
		Mode:            config.ModePrivate,
		ExpectedLatency: "~200-500ms",
		PrivacyLevel:    "High (full anonymity)",
		RequiresOnion:   true,
	},
}

// Profile returns the performance profile for a mode.
func Profile(m config.Mode) PerformanceProfile {
	return profiles[m]
}

// Orchestrator owns every long-lived component and the top-level shutdown
// sequence.
type Orchestrator struct {
	cfg *config.Config

	cache      *cache.Cache
	reverse    *proxy.ReverseProxy
	certs      *certs.Provider
	hosts      *hostsfile.Resolver
	tor        *tor.Controller
	p2pManager *p2p.Manager

	httpServer  *http.Server
	httpsServer *http.Server
}

// New builds an Orchestrator from a resolved Config. It does not start any
// network listeners or mode-specific backends; call Run for that.
func New(cfg *config.Config) *Orchestrator {
	c := cache.New(cfg.CacheEnabled, cfg.CacheSizeMB<<20, cfg.CacheTTL)
	rp := proxy.New(cfg.TargetPort, c, cfg.CacheEnabled)

	return &Orchestrator{
		cfg:     cfg,
		cache:   c,
		reverse: rp,
		certs:   certs.NewProvider("."),
		hosts:   hostsfile.New(),
	}
}

// Run wires the mode-specific backend, starts the listeners, and blocks
// until either the daemon exits with an error or SIGINT/SIGTERM is
// received, at which point every component is torn down in order.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.startMode(ctx); err != nil {
		return fmt.Errorf("mode startup: %w", err)
	}
	defer o.shutdownMode()

	group, groupCtx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", o.reverse)

	o.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.ListenPort),
		Handler: mux,
	}
	group.Go(func() error {
		applog.Infof("orchestrator", "listening on :%d, proxying to 127.0.0.1:%d", o.cfg.ListenPort, o.cfg.TargetPort)
		err := o.httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	if o.cfg.HTTPS {
		certPath, keyPath, err := o.certs.Ensure(o.cfg.Domain)
		if err != nil {
			return fmt.Errorf("tls certificate: %w", err)
		}
		o.httpsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", o.cfg.HTTPSPort),
			Handler: mux,
		}
		group.Go(func() error {
			applog.Infof("orchestrator", "listening on :%d (tls)", o.cfg.HTTPSPort)
			err := o.httpsServer.ListenAndServeTLS(certPath, keyPath)
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				o.cache.Cleanup()
			}
		}
	})

	<-groupCtx.Done()
	applog.Infof("orchestrator", "shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.httpServer.Shutdown(shutdownCtx)
	if o.httpsServer != nil {
		_ = o.httpsServer.Shutdown(shutdownCtx)
	}

	return group.Wait()
}

// startMode performs the mode-specific initialization of §4.5: Fast skips
// the onion controller entirely; Balanced starts a single-hop circuit with
// geographic preferences honored; Private starts a full-hop circuit and
// ignores geographic preferences, since they would narrow the anonymity set.
func (o *Orchestrator) startMode(ctx context.Context) error {
	profile := Profile(o.cfg.Mode)
	applog.Infof("orchestrator", "mode=%s expected-latency=%s privacy=%s", o.cfg.Mode, profile.ExpectedLatency, profile.PrivacyLevel)

	switch o.cfg.Mode {
	case config.ModeFast:
		return o.startFast()
	case config.ModeBalanced:
		return o.startOnion(tor.SingleHop, o.cfg.GeoPrefer)
	case config.ModePrivate:
		return o.startOnion(tor.FullHop, nil)
	default:
		return fmt.Errorf("unknown mode %q", o.cfg.Mode)
	}
}

func (o *Orchestrator) startFast() error {
	o.p2pManager = p2p.NewManager(o.cfg.ListenPort, p2p.LoopbackDiscoverer)
	addr := o.p2pManager.DiscoverPublicAddress()
	token := o.p2pManager.GenerateConnectionToken()

	fmt.Println()
	fmt.Println("Fast mode tunnel active!")
	fmt.Printf("  Local:  http://127.0.0.1:%d -> localhost:%d\n", o.cfg.ListenPort, o.cfg.TargetPort)
	fmt.Printf("  Share:  %s\n", token)
	fmt.Println()
	fmt.Printf("  Expected latency: %s\n", profiles[config.ModeFast].ExpectedLatency)
	fmt.Printf("  Privacy: %s\n", profiles[config.ModeFast].PrivacyLevel)
	fmt.Println()
	applog.Infof("orchestrator", "p2p public address discovered: %s", addr)
	return nil
}

// startOnion publishes a hidden service for Balanced/Private mode. Control-
// protocol errors are fatal for startup per the daemon's requires-onion
// invariant: unlike startFast, there is no silent local-only downgrade.
// Connect itself spawns a daemon and retries once if no control port is
// already reachable (tor.Controller.Connect); if the control protocol
// never comes up or ADD_ONION fails, the file-based hostname fallback is
// tried before giving up.
func (o *Orchestrator) startOnion(mode tor.Mode, geoPrefer []string) error {
	dataDir := ".beam-tunnel"
	o.tor = tor.New(o.cfg.TorPort, dataDir)

	hostname, circuitCount, err := o.publishOnion(mode, geoPrefer, dataDir)
	if err != nil {
		return fmt.Errorf("publish hidden service: %w", err)
	}

	if err := o.hosts.AddLocalOverride(o.cfg.Domain); err != nil {
		applog.Warnf("orchestrator", "could not install local hosts override: %v", err)
	}

	profile := profiles[o.cfg.Mode]
	fmt.Println()
	fmt.Printf("%s mode tunnel active!\n", titleCase(string(o.cfg.Mode)))
	fmt.Printf("  Local:  http://127.0.0.1:%d -> localhost:%d\n", o.cfg.ListenPort, o.cfg.TargetPort)
	fmt.Printf("  Global: %s\n", hostname)
	fmt.Println()
	fmt.Printf("  Expected latency: %s\n", profile.ExpectedLatency)
	fmt.Printf("  Privacy: %s\n", profile.PrivacyLevel)
	if circuitCount > 0 {
		fmt.Printf("  Circuits prebuilt: %d\n", circuitCount)
	}
	fmt.Println()
	return nil
}

// publishOnion drives the control-protocol path (connect, authenticate,
// configure, ADD_ONION, prebuild) and falls back to the file-based hostname
// wait when the control protocol is unreachable or ADD_ONION fails.
// circuitCount is 0 when circuits were not prebuilt, including on the
// file-fallback path, which has no control connection to issue
// EXTENDCIRCUIT over.
func (o *Orchestrator) publishOnion(mode tor.Mode, geoPrefer []string, dataDir string) (hostname string, circuitCount int, err error) {
	hiddenServiceDir := filepath.Join(dataDir, "hidden_service")

	if connErr := o.tor.Connect(o.cfg.TargetPort); connErr != nil {
		applog.Warnf("orchestrator", "control-protocol connect failed, waiting on file-based hidden service: %v", connErr)
		hostname, err = tor.AwaitHostnameFile(hiddenServiceDir)
		return hostname, 0, err
	}

	if authErr := o.tor.Authenticate(); authErr != nil {
		return "", 0, fmt.Errorf("authenticate to onion daemon: %w", authErr)
	}

	if mode == tor.SingleHop {
		o.tor.ConfigureSingleHop()
	}

	hostname, pubErr := o.tor.Publish(o.cfg.TargetPort, mode)
	if pubErr != nil {
		applog.Warnf("orchestrator", "ADD_ONION failed, waiting on file-based hidden service: %v", pubErr)
		hostname, err = tor.AwaitHostnameFile(hiddenServiceDir)
		return hostname, 0, err
	}

	circuitCount = o.cfg.PrebuildCircuits
	if mode == tor.FullHop && circuitCount < 5 {
		circuitCount = 5
	}
	if !o.cfg.NoPrebuild {
		o.tor.PrebuildCircuits(circuitCount, tor.GeoPreferences{PreferredCountries: geoPrefer, PreferFastRelays: true})
	} else {
		circuitCount = 0
	}

	return hostname, circuitCount, nil
}

func (o *Orchestrator) shutdownMode() {
	if o.tor != nil {
		o.tor.Shutdown()
		_ = o.hosts.RemoveLocalOverride(o.cfg.Domain)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
