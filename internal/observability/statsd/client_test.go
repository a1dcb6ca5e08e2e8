package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenUDP(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().String()
}

func readLine(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestClientCount(t *testing.T) {
	listener, addr := listenUDP(t)

	client, err := NewClient(Config{Enabled: true, Address: addr, Prefix: "strato-go"})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	client.Count(MetricRequestRetries, 2, map[string]string{"family": "service"})

	assert.Equal(t, "strato-go.request.retries:2|c|#family:service", readLine(t, listener))
}

func TestClientTiming(t *testing.T) {
	listener, addr := listenUDP(t)

	client, err := NewClient(Config{Enabled: true, Address: addr})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	client.Timing(MetricRequestDuration, 1500*time.Millisecond, nil)

	assert.Equal(t, "request.duration:1500|ms", readLine(t, listener))
}

func TestDisabledClientIsNoop(t *testing.T) {
	client, err := NewClient(Config{Enabled: false, Address: ""})
	require.NoError(t, err)

	// Must not panic, even on a nil client.
	client.Count(MetricSessionRefresh, 1, nil)
	var nilClient *Client
	nilClient.Count(MetricSessionRefresh, 1, nil)
	nilClient.Timing(MetricRequestDuration, time.Second, nil)
	assert.NoError(t, nilClient.Close())
}
