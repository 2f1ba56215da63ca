package tor

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeControlDaemon is a minimal stand-in for the local anonymity-network
// control socket, enough to drive the Controller through §8 scenario 6.
func fakeControlDaemon(t *testing.T, handler func(cmd string) []string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// Connect probes the port (CheckAvailable) before dialing the control
	// connection, so every accepted connection is served.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimRight(line, "\r\n")
					for _, resp := range handler(cmd) {
						_, _ = conn.Write([]byte(resp + "\r\n"))
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestController_AuthenticateAndPublish(t *testing.T) {
	port := fakeControlDaemon(t, func(cmd string) []string {
		switch {
		case cmd == "AUTHENTICATE":
			return []string{"250 OK"}
		case strings.HasPrefix(cmd, "SETCONF"):
			return []string{"250 OK"}
		case cmd == "SAVECONF":
			return []string{"250 OK"}
		case strings.HasPrefix(cmd, "ADD_ONION"):
			return []string{"250-ServiceID=abcdefghijklmnop", "250 OK"}
		}
		return []string{"510 Unrecognized command"}
	})

	c := New(port, t.TempDir())
	require.NoError(t, c.Connect(3000))
	require.NoError(t, c.Authenticate())
	c.ConfigureSingleHop()

	hostname, err := c.Publish(3000, SingleHop)
	require.NoError(t, err)
	require.Equal(t, "abcdefghijklmnop.onion", hostname)
	require.Equal(t, ServicePublished, c.State())
}

func TestController_AuthenticateRetriesWithEmptyPassword(t *testing.T) {
	attempt := 0
	port := fakeControlDaemon(t, func(cmd string) []string {
		if cmd == "AUTHENTICATE" {
			attempt++
			return []string{"515 Authentication failed"}
		}
		if cmd == `AUTHENTICATE ""` {
			return []string{"250 OK"}
		}
		return []string{"510 Unrecognized command"}
	})

	c := New(port, t.TempDir())
	require.NoError(t, c.Connect(3000))
	require.NoError(t, c.Authenticate())
	require.Equal(t, 1, attempt)
}

func TestController_PrebuildCircuits(t *testing.T) {
	port := fakeControlDaemon(t, func(cmd string) []string {
		switch {
		case cmd == "AUTHENTICATE":
			return []string{"250 OK"}
		case strings.HasPrefix(cmd, "EXTENDCIRCUIT"):
			return []string{"250 EXTENDED circuit-1"}
		}
		return []string{"510 Unrecognized command"}
	})

	c := New(port, t.TempDir())
	require.NoError(t, c.Connect(3000))
	require.NoError(t, c.Authenticate())

	c.PrebuildCircuits(3, GeoPreferences{})
	require.Len(t, c.Circuits(), 3)
	for _, circuit := range c.Circuits() {
		require.True(t, circuit.Active)
		require.NotEmpty(t, circuit.ID)
	}
}

func TestController_PrebuildCircuitFailureIsNonFatal(t *testing.T) {
	calls := 0
	port := fakeControlDaemon(t, func(cmd string) []string {
		switch {
		case cmd == "AUTHENTICATE":
			return []string{"250 OK"}
		case strings.HasPrefix(cmd, "EXTENDCIRCUIT"):
			calls++
			if calls == 2 {
				return []string{"551 Circuit build failed"}
			}
			return []string{"250 EXTENDED circuit-" + strings.Repeat("x", calls)}
		}
		return []string{"510 Unrecognized command"}
	})

	c := New(port, t.TempDir())
	require.NoError(t, c.Connect(3000))
	require.NoError(t, c.Authenticate())

	c.PrebuildCircuits(3, GeoPreferences{})
	// One of three failed; the other two should still be recorded.
	require.Len(t, c.Circuits(), 2)
}

func TestController_ShutdownIsBounded(t *testing.T) {
	port := fakeControlDaemon(t, func(cmd string) []string {
		switch {
		case cmd == "AUTHENTICATE":
			return []string{"250 OK"}
		case strings.HasPrefix(cmd, "ADD_ONION"):
			return []string{"250-ServiceID=zzzzzzzzzzzzzzzz", "250 OK"}
		case strings.HasPrefix(cmd, "DEL_ONION"):
			// Never respond, to exercise the bounded-deadline path.
			time.Sleep(10 * time.Second)
			return nil
		}
		return []string{"510 Unrecognized command"}
	})

	c := New(port, t.TempDir())
	require.NoError(t, c.Connect(3000))
	require.NoError(t, c.Authenticate())
	_, err := c.Publish(3000, FullHop)
	require.NoError(t, err)

	start := time.Now()
	c.Shutdown()
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestCheckAvailable_Unreachable(t *testing.T) {
	_, ok := CheckAvailable(1) // port 1 is never a tor control port in test envs
	require.False(t, ok)
}
