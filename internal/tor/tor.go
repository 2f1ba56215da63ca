// Package tor implements the onion-control client: a text-protocol client
// to a local anonymity-network daemon's control socket. It authenticates,
// publishes an ephemeral hidden service, configures single-hop mode for
// Balanced tunnels, pre-builds circuits, and tears everything down on
// shutdown.
package tor

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"beam-tunnel-daemon/internal/applog"
	imetrics "beam-tunnel-daemon/internal/metrics"
)

// Mode selects how the hidden service circuit is built.
type Mode int

const (
	SingleHop Mode = iota
	FullHop
)

// State is the controller's lifecycle state (§4.3).
type State int

const (
	Disconnected State = iota
	Authenticating
	Ready
	ServicePublished
	Prebuilding
	Closed
)

// GeoPreferences carries the original source's richer relay-selection
// configuration (mode.rs / main.rs), consumed only in Balanced mode.
type GeoPreferences struct {
	PreferredCountries []string
	ExcludedCountries  []string
	PreferFastRelays   bool
}

// Circuit mirrors the data model's Circuit entity.
type Circuit struct {
	ID        string
	CreatedAt time.Time
	Active    bool
}

// Service mirrors the data model's OnionService entity.
type Service struct {
	ID        string
	Hostname  string
	TargetPort int
	Mode      Mode
	CreatedAt time.Time
}

// secondaryControlPort is tried when the configured port is unreachable.
const secondaryControlPort = 9151

// fileFallbackAttempts/interval bound the file-based hostname wait (§4.3).
const fileFallbackAttempts = 30

var fileFallbackInterval = time.Second

// Controller owns a single control-protocol connection. The control
// protocol is request/reply and blocking per command; a mutex serializes
// callers, matching the daemon's expectation of one outstanding command.
type Controller struct {
	mu sync.Mutex

	controlPort int
	dataDir     string

	conn   net.Conn
	reader *bufio.Reader

	state   State
	service *Service

	circuits     []*Circuit
	childProcess *exec.Cmd
}

// New creates a Controller bound to controlPort; dataDir is where a spawned
// daemon's config and hidden-service directory are written.
func New(controlPort int, dataDir string) *Controller {
	return &Controller{
		controlPort: controlPort,
		dataDir:     dataDir,
		state:       Disconnected,
	}
}

// CheckAvailable probes the control port, falling back to a secondary
// common port, per §4.3's probe operation.
func CheckAvailable(controlPort int) (reachablePort int, ok bool) {
	for _, port := range []int{controlPort, secondaryControlPort} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
		if err == nil {
			_ = conn.Close()
			return port, true
		}
	}
	return 0, false
}

// Connect dials the control port, spawning a daemon child process as a
// fallback when no port is reachable. targetPort is needed to write the
// minimal config file for a spawned daemon.
func (c *Controller) Connect(targetPort int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port, ok := CheckAvailable(c.controlPort); ok {
		return c.dial(port)
	}

	if err := c.spawnDaemon(targetPort); err != nil {
		applog.Warnf("tor", "could not spawn onion daemon: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	if port, ok := CheckAvailable(c.controlPort); ok {
		return c.dial(port)
	}

	return fmt.Errorf("tor: no reachable control port after spawn attempt")
}

func (c *Controller) dial(port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		return fmt.Errorf("tor: dial control port: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.state = Authenticating
	return nil
}

// sendCommand writes a CRLF-terminated command and reads response lines
// until a final "250 " line (success; "250-" continuation lines are
// collected) or a status >= 400 (failure).
// Must be called with mu held.
func (c *Controller) sendCommand(cmd string) (lines []string, err error) {
	if c.conn == nil {
		return nil, fmt.Errorf("tor: not connected")
	}
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, fmt.Errorf("tor: write command: %w", err)
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return lines, fmt.Errorf("tor: read response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)

		if len(line) < 3 {
			continue
		}
		code, convErr := strconv.Atoi(line[:3])
		if convErr != nil {
			continue
		}
		if code >= 400 {
			return lines, fmt.Errorf("tor: command %q failed: %s", cmd, line)
		}
		if code == 250 && (len(line) == 3 || line[3] == ' ') {
			return lines, nil
		}
	}
}

// Authenticate sends AUTHENTICATE with an empty password, retrying once
// with an explicitly quoted empty password on failure.
func (c *Controller) Authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.sendCommand("AUTHENTICATE")
	if err == nil {
		c.state = Ready
		return nil
	}

	_, err = c.sendCommand(`AUTHENTICATE ""`)
	if err != nil {
		imetrics.OnionControlErrorInc("authenticate")
		return fmt.Errorf("tor: authenticate failed: %w", err)
	}
	c.state = Ready
	return nil
}

// ConfigureSingleHop sets HiddenServiceSingleHopMode/NonAnonymousMode and
// saves the config. Failures are non-fatal: logged, and the subsequent
// ADD_ONION will reject if the daemon disagrees.
func (c *Controller) ConfigureSingleHop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.sendCommand("SETCONF HiddenServiceSingleHopMode=1"); err != nil {
		applog.Warnf("tor", "SETCONF HiddenServiceSingleHopMode failed: %v", err)
	}
	if _, err := c.sendCommand("SETCONF HiddenServiceNonAnonymousMode=1"); err != nil {
		applog.Warnf("tor", "SETCONF HiddenServiceNonAnonymousMode failed: %v", err)
	}
	if _, err := c.sendCommand("SAVECONF"); err != nil {
		applog.Warnf("tor", "SAVECONF failed: %v", err)
	}
}

// Publish issues ADD_ONION for targetPort and mode, returning the
// "<base32>.onion" address. It returns an error when the daemon rejects the
// command or the reply carries no ServiceID.
func (c *Controller) Publish(targetPort int, mode Mode) (string, error) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := fmt.Sprintf("ADD_ONION NEW:BEST Port=80,127.0.0.1:%d", targetPort)
	if mode == SingleHop {
		cmd = fmt.Sprintf("ADD_ONION NEW:BEST Flags=NonAnonymous Port=80,127.0.0.1:%d", targetPort)
	}

	lines, err := c.sendCommand(cmd)
	if err != nil {
		imetrics.OnionControlErrorInc("add_onion")
		return "", fmt.Errorf("tor: ADD_ONION failed: %w", err)
	}

	serviceID := ""
	for _, line := range lines {
		if idx := strings.Index(line, "ServiceID="); idx != -1 {
			serviceID = strings.TrimSpace(line[idx+len("ServiceID="):])
			break
		}
	}
	if serviceID == "" {
		imetrics.OnionControlErrorInc("add_onion")
		return "", fmt.Errorf("tor: ADD_ONION response had no ServiceID")
	}

	hostname := serviceID + ".onion"
	c.service = &Service{
		ID:         serviceID,
		Hostname:   hostname,
		TargetPort: targetPort,
		Mode:       mode,
		CreatedAt:  time.Now(),
	}
	c.state = ServicePublished
	imetrics.OnionPublishDurationObserve(time.Since(start))
	return hostname, nil
}

// PrebuildCircuits issues EXTENDCIRCUIT count times, recording each live
// circuit. Each failure is local: logged and skipped, never fatal.
func (c *Controller) PrebuildCircuits(count int, geo GeoPreferences) {
	c.mu.Lock()
	c.state = Prebuilding
	c.mu.Unlock()

	cmd := "EXTENDCIRCUIT 0"
	if len(geo.PreferredCountries) > 0 || len(geo.ExcludedCountries) > 0 {
		cmd = "EXTENDCIRCUIT 0 purpose=GENERAL"
	}

	built := make([]*Circuit, 0, count)
	for i := 0; i < count; i++ {
		c.mu.Lock()
		lines, err := c.sendCommand(cmd)
		c.mu.Unlock()
		if err != nil {
			imetrics.OnionControlErrorInc("extendcircuit")
			applog.Warnf("tor", "circuit prebuild %d/%d failed: %v", i+1, count, err)
			continue
		}
		id := parseCircuitID(lines)
		if id == "" {
			continue
		}
		built = append(built, &Circuit{ID: id, CreatedAt: time.Now(), Active: true})
	}

	c.mu.Lock()
	c.circuits = append(c.circuits, built...)
	c.state = Ready
	c.mu.Unlock()
	imetrics.OnionCircuitsActiveSet(len(built))
}

// parseCircuitID extracts the circuit id from a "250 EXTENDED <id>" line:
// the third whitespace-delimited token.
func parseCircuitID(lines []string) string {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "250" && fields[1] == "EXTENDED" {
			return fields[2]
		}
	}
	return ""
}

// Circuits returns the currently recorded circuits.
func (c *Controller) Circuits() []*Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Circuit, len(c.circuits))
	copy(out, c.circuits)
	return out
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Service returns the published service, or nil if none.
func (c *Controller) Service() *Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

// Shutdown is best-effort: DEL_ONION the published service, kill any
// spawned child, close the connection. Never hangs more than boundedWait.
func (c *Controller) Shutdown() {
	const boundedWait = 3 * time.Second

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.service != nil && c.conn != nil {
			if _, err := c.sendCommand("DEL_ONION " + c.service.ID); err != nil {
				applog.Warnf("tor", "DEL_ONION failed: %v", err)
			}
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.childProcess != nil && c.childProcess.Process != nil {
			_ = c.childProcess.Process.Kill()
			_, _ = c.childProcess.Process.Wait()
		}
		c.state = Closed
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(boundedWait):
		applog.Warnf("tor", "shutdown exceeded bounded deadline, abandoning")
	}
}

// spawnDaemon writes a minimal config file and execs the daemon binary,
// best-effort. Failure here is recovered by the file-based fallback.
func (c *Controller) spawnDaemon(targetPort int) error {
	if c.dataDir == "" {
		c.dataDir = filepath.Join(os.TempDir(), "beam-tor-"+uuid.NewString())
	}
	hiddenServiceDir := filepath.Join(c.dataDir, "hidden_service")
	if err := os.MkdirAll(hiddenServiceDir, 0o700); err != nil {
		return fmt.Errorf("tor: create hidden service dir: %w", err)
	}

	configPath := filepath.Join(c.dataDir, "torrc")
	config := fmt.Sprintf(
		"DataDirectory %s\nHiddenServiceDir %s\nHiddenServicePort 80 127.0.0.1:%d\nControlPort %d\nSocksPort 0\n",
		c.dataDir, hiddenServiceDir, targetPort, c.controlPort,
	)
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		return fmt.Errorf("tor: write config: %w", err)
	}

	binary, err := exec.LookPath("tor")
	if err != nil {
		return fmt.Errorf("tor: binary not found in PATH: %w", err)
	}
	cmd := exec.Command(binary, "-f", configPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tor: start daemon: %w", err)
	}
	c.childProcess = cmd
	return nil
}

// AwaitHostnameFile is the file-based fallback: waits (bounded) for the
// daemon to write a hostname file under hiddenServiceDir, returning its
// trimmed, ".onion"-suffixed contents. Must not be used concurrently with
// the control-protocol path (§9 open question).
func AwaitHostnameFile(hiddenServiceDir string) (string, error) {
	path := filepath.Join(hiddenServiceDir, "hostname")
	for i := 0; i < fileFallbackAttempts; i++ {
		if data, err := os.ReadFile(path); err == nil {
			hostname := strings.TrimSpace(string(data))
			if strings.HasSuffix(hostname, ".onion") {
				return hostname, nil
			}
		}
		time.Sleep(fileFallbackInterval)
	}
	return "", fmt.Errorf("tor: hostname file not found after %d attempts", fileFallbackAttempts)
}
