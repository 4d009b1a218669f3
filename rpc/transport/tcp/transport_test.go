package tcp

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func echo(serviceID uint64, req []byte) []byte {
	return append([]byte(common.ServiceName(serviceID)+":"), req...)
}

func clientConfig(endpoint string) common.ClientConfig {
	return common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{endpoint},
			RetryCount: 1,
			TCPConf:    common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
	}
}

// startServer starts a server with the echo handler and returns it once it
// accepts connections
func startServer(t *testing.T) (*serverHandle, string) {
	t.Helper()
	endpoint := freeEndpoint(t)
	srv := NewTCPServerTransport()
	srv.RegisterHandler(echo)

	h := &serverHandle{srv: srv, done: make(chan error, 1)}
	go func() {
		h.done <- srv.Listen(common.ServerConfig{
			TimeoutSecond: 5,
			Transport: common.ServerTransportConfig{
				Endpoint:       endpoint,
				WorkersPerConn: 4,
				TCPConf:        common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
			},
		})
	}()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", endpoint)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = srv.Close() })
	return h, endpoint
}

type serverHandle struct {
	srv  transport.IRPCServerTransport
	done chan error
}

func TestSendRoutesByService(t *testing.T) {
	_, endpoint := startServer(t)

	client := NewTCPClientTransport()
	require.NoError(t, client.Connect(clientConfig(endpoint)))
	defer client.Close()

	resp, err := client.Send(common.ServiceDirectory, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "directory:ping", string(resp))

	resp, err = client.Send(common.ServiceWatch, []byte{})
	require.NoError(t, err)
	assert.Equal(t, "watch:", string(resp))
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	_, endpoint := startServer(t)

	cfg := clientConfig(endpoint)
	cfg.Transport.ConnectionsPerEndpoint = 2
	client := NewTCPClientTransport()
	require.NoError(t, client.Connect(cfg))
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("req-%d", i)
			resp, err := client.Send(common.ServiceRaft, []byte(payload))
			if assert.NoError(t, err) {
				assert.Equal(t, "raft:"+payload, string(resp))
			}
		}(i)
	}
	wg.Wait()
}

func TestPauseKeepsOpenConnections(t *testing.T) {
	h, endpoint := startServer(t)

	client := NewTCPClientTransport()
	require.NoError(t, client.Connect(clientConfig(endpoint)))
	defer client.Close()

	require.NoError(t, h.srv.Pause())

	// new connections are refused
	_, err := net.Dial("tcp", endpoint)
	assert.Error(t, err)

	// the open connection is still served
	resp, err := client.Send(common.ServiceDirectory, []byte("paused"))
	require.NoError(t, err)
	assert.Equal(t, "directory:paused", string(resp))

	ready := make(chan struct{})
	require.NoError(t, h.srv.Reopen(func() { close(ready) }))
	<-ready

	other := NewTCPClientTransport()
	require.NoError(t, other.Connect(clientConfig(endpoint)))
	defer other.Close()
	resp, err = other.Send(common.ServiceDirectory, []byte("reopened"))
	require.NoError(t, err)
	assert.Equal(t, "directory:reopened", string(resp))
}

func TestCloseStopsListen(t *testing.T) {
	h, endpoint := startServer(t)

	client := NewTCPClientTransport()
	require.NoError(t, client.Connect(clientConfig(endpoint)))
	defer client.Close()

	require.NoError(t, h.srv.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after Close")
	}

	require.Eventually(t, func() bool {
		_, err := client.Send(common.ServiceDirectory, []byte("closed"))
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.Error(t, h.srv.Reopen(nil), "a closed server can not be reopened")
}

func TestConnectWithoutServer(t *testing.T) {
	client := NewTCPClientTransport()
	assert.Error(t, client.Connect(clientConfig(freeEndpoint(t))))
	assert.Error(t, client.Connect(common.ClientConfig{}), "no endpoints")
}
