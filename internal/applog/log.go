// Package applog provides structured logging for the tunnel daemon: a local
// stdout line plus a fire-and-forget push to Loki, gated by a YAML config
// file and per-level toggles.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

type lokiConfig struct {
	Metrics *struct {
		LokiURL string `yaml:"loki_url"`
	} `yaml:"metrics"`
	Logging *struct {
		InfoEnabled  *bool `yaml:"info_enabled"`
		DebugEnabled *bool `yaml:"debug_enabled"`
		ErrorEnabled *bool `yaml:"error_enabled"`
	} `yaml:"logging"`
}

func initLoki() {
	lokiURL = ""

	cfgFile := ""
	for _, c := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(c); err == nil {
			cfgFile = c
			break
		}
	}
	if cfgFile != "" {
		var cfg lokiConfig
		if b, err := os.ReadFile(cfgFile); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err == nil {
				if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
				}
				if cfg.Logging != nil {
					if cfg.Logging.InfoEnabled != nil {
						infoEnabled = *cfg.Logging.InfoEnabled
					}
					if cfg.Logging.DebugEnabled != nil {
						debugEnabled = *cfg.Logging.DebugEnabled
					}
					if cfg.Logging.ErrorEnabled != nil {
						errorEnabled = *cfg.Logging.ErrorEnabled
					}
				}
			}
		}
	}

	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

// logEnabled suppresses local stdout printing under `go test`.
func logEnabled() bool {
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

// Emit prints locally (if enabled) and pushes the same line to Loki.
func Emit(level, app string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if logEnabled() && levelEnabled(lvl) {
		log.Print(line)
	}
	PushLokiWithLevel(lvl, app, labels, line)
}

// PushLokiWithLevel sends a single log line with labels to Loki, adding a
// "level" label. No-op if Loki is not configured or the level is disabled.
func PushLokiWithLevel(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	lbls := map[string]string{
		"app":   app,
		"level": strings.ToLower(strings.TrimSpace(level)),
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		lbls[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: lbls, Values: [][2]string{{ts, line}}},
		},
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req)
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// Infof emits a formatted info-level line with no extra labels.
func Infof(app, format string, args ...any) {
	Emit("info", app, nil, fmt.Sprintf(format, args...))
}

// Warnf emits a formatted info-level line tagged as a warning; the control
// protocol and orchestrator treat warnings as recoverable, so they share the
// info channel rather than bumping error counters.
func Warnf(app, format string, args ...any) {
	Emit("info", app, map[string]string{"level": "warn"}, "WARN "+fmt.Sprintf(format, args...))
}

// Errorf emits a formatted error-level line.
func Errorf(app, format string, args ...any) {
	Emit("error", app, nil, fmt.Sprintf(format, args...))
}
