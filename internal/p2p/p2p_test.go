package p2p

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	token := EncodeToken("203.0.113.5", 4000)
	ip, port, err := DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
	assert.Equal(t, 4000, port)
}

func TestDecodeToken_RejectsBadPrefix(t *testing.T) {
	_, _, err := DecodeToken("bm90LWEtdG9rZW4=") // base64("not-a-token")
	assert.Error(t, err)
}

func TestDecodeToken_RejectsExtraColons(t *testing.T) {
	bad := base64.StdEncoding.EncodeToString([]byte("beam-p2p:1.2.3.4:80:extra"))
	_, _, err := DecodeToken(bad)
	assert.Error(t, err)
}

func TestDecodeToken_RejectsInvalidBase64(t *testing.T) {
	_, _, err := DecodeToken("not valid base64!!")
	assert.Error(t, err)
}

func TestManager_GenerateConnectionToken_FallsBackToLocal(t *testing.T) {
	m := NewManager(5000, nil)
	token := m.GenerateConnectionToken()
	ip, port, err := DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
	assert.Equal(t, 5000, port)
}

func TestManager_GenerateConnectionToken_UsesDiscoveredAddress(t *testing.T) {
	m := NewManager(5000, func(localPort int) (string, error) {
		return "198.51.100.9", nil
	})
	token := m.GenerateConnectionToken()
	ip, _, err := DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", ip)
}

func TestManager_TrackAndCloseConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m := NewManager(0, nil)

	serverSide := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		serverSide <- conn
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	accepted := <-serverSide
	defer accepted.Close()

	state := m.TrackAccepted(accepted)
	assert.Len(t, m.Connections(), 1)

	m.RecordBytes(state.ID, 100, 200)
	conns := m.Connections()
	require.Len(t, conns, 1)
	assert.EqualValues(t, 100, conns[0].BytesIn)
	assert.EqualValues(t, 200, conns[0].BytesOut)

	m.CloseConnection(state.ID)
	assert.Empty(t, m.Connections())
}

func TestMeasureRTT_Succeeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	rtt, err := MeasureRTT(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestMeasureRTT_FailsOnClosedPort(t *testing.T) {
	_, err := MeasureRTT("127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, err)
}
