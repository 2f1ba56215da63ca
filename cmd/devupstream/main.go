// Command devupstream is a loopback demo origin for exercising the tunnel
// daemon locally: a handful of routes shaped like the traffic the daemon is
// meant to classify and cache (a cacheable static-ish page, a slow
// cache-friendly endpoint, a webhook-shaped POST target, and a small JSON
// items API). It is not part of the daemon itself.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"beam-tunnel-daemon/internal/applog"
	imetrics "beam-tunnel-daemon/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

// StringList allows YAML "listen" to be either a single string or a sequence.
type StringList []string

// UnmarshalYAML accepts a scalar (one address) or a sequence of addresses.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = StringList{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

func main() {
	listenAddrs := loadListenAddressesFromYAML()

	if len(listenAddrs) > 1 {
		var wg sync.WaitGroup
		for _, addr := range listenAddrs {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				log.Printf("starting devupstream on %s", addr)
				if err := start(addr); err != nil {
					log.Printf("devupstream %s exited: %v", addr, err)
				}
			}(addr)
		}
		wg.Wait()
		return
	}

	addr := strings.TrimSpace(listenAddrs[0])
	log.Printf("starting devupstream on %s", addr)
	if err := start(addr); err != nil {
		log.Fatal(err)
	}
}

type upstreamYAML struct {
	Upstream *struct {
		Listen StringList `yaml:"listen"`
	} `yaml:"upstream"`
}

func loadListenAddressesFromYAML() []string {
	defaultAddresses := []string{":9000"}

	candidates := []string{"configs/config-upstream.yaml", "configs/config-upstream.yml"}
	var configPath string
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			configPath = c
			break
		}
	}
	if configPath == "" {
		return defaultAddresses
	}

	b, err := os.ReadFile(configPath)
	if err != nil {
		return defaultAddresses
	}
	var cfg upstreamYAML
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return defaultAddresses
	}
	if cfg.Upstream != nil && len(cfg.Upstream.Listen) > 0 {
		return cfg.Upstream.Listen
	}
	return defaultAddresses
}

// item is a toy record for the demo JSON API.
type item struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Value     int       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type store struct {
	mu     sync.RWMutex
	nextID int
	data   map[int]item
}

func newStore() *store {
	return &store{nextID: 1, data: make(map[int]item)}
}

func (s *store) list() []item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]item, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, v)
	}
	return out
}

func (s *store) create(name string, value int) item {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	it := item{ID: id, Name: name, Value: value, UpdatedAt: time.Now()}
	s.data[id] = it
	return it
}

func start(listenAddr string) error {
	db := newStore()
	db.create("alpha", 10)
	db.create("beta", 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Cacheable route: timestamped JSON body with a 10-second max-age, so a
	// cache hit shows an unchanged "now" value.
	mux.HandleFunc("/cache", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=10, s-maxage=10")
		writeJSON(w, http.StatusOK, map[string]any{
			"endpoint": "cache",
			"now":      time.Now().Format(time.RFC3339Nano),
		})
	})

	// Slow route: same cache directives, but takes over a second so a hit
	// versus a miss is visible in latency.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1200 * time.Millisecond)
		w.Header().Set("Cache-Control", "public, max-age=10, s-maxage=10")
		writeJSON(w, http.StatusOK, map[string]any{
			"endpoint": "slow",
			"now":      time.Now().Format(time.RFC3339Nano),
		})
	})

	// Webhook-shaped route: POST only, no caching, mirrors what an inbound
	// webhook delivery looks like against the proxy's classifier.
	mux.HandleFunc("/hooks/deliver", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusAccepted, map[string]any{"received": true})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=10, s-maxage=10")
		_, _ = w.Write([]byte("devupstream is running.\n"))
	})

	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, db.list())
		case http.MethodPost:
			var input struct {
				Name  string `json:"name"`
				Value int    `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(input.Name) == "" {
				http.Error(w, "name is required", http.StatusBadRequest)
				return
			}
			it := db.create(input.Name, input.Value)
			w.Header().Set("Location", fmt.Sprintf("/api/items/%d", it.ID))
			writeJSON(w, http.StatusCreated, it)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil && strings.Contains(err.Error(), syscall.EADDRINUSE.Error()) {
		fallback := addrWithPortZero(listenAddr)
		log.Printf("address %q in use, retrying on %q", listenAddr, fallback)
		listener, err = net.Listen("tcp", fallback)
	}
	if err != nil {
		return err
	}
	log.Printf("devupstream listening on %s", listener.Addr().String())

	handler := applog.WithRequestID(
		applog.WithRequestLogging(
			withMetrics(mux),
		),
	)
	return http.Serve(listener, handler)
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		imetrics.DevUpstreamInflightInc()
		defer imetrics.DevUpstreamInflightDec()

		lrw := &statusCapture{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		imetrics.ObserveDevUpstreamResponse(r.Method, status, time.Since(start))
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (w *statusCapture) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func addrWithPortZero(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}
