package game

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/masterlist/internal/config"
	"github.com/woozymasta/masterlist/internal/models"
)

func localAddr(t *testing.T, l net.Listener) models.Address {
	t.Helper()

	tcp, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return models.Address{IP: tcp.IP.String(), Port: models.Port(tcp.Port)}
}

func TestReachableListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	status, err := Reachable(localAddr(t, l), config.A2S{Timeout: time.Second})
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestReachableRefusedCountsAsUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := localAddr(t, l)
	require.NoError(t, l.Close())

	_, err = Reachable(addr, config.A2S{Timeout: time.Second})
	assert.NoError(t, err)
}

func TestQueryServerNoAnswer(t *testing.T) {
	// Nothing answers UDP on a closed local port
	l, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udp, ok := l.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	require.NoError(t, l.Close())

	_, err = QueryServer(models.Address{IP: "127.0.0.1", Port: models.Port(udp.Port)},
		config.A2S{Timeout: 100 * time.Millisecond, BufferSize: 1400})
	assert.Error(t, err)
}
