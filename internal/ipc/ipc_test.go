package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"motionctl/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T) (*IPCServer, types.IPCConfig) {
	t.Helper()
	srv := NewIPCServer(types.IPCConfig{Type: "tcp", Address: "127.0.0.1", Port: 0, BufferSize: 16})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	port := srv.Addr().(*net.TCPAddr).Port
	return srv, types.IPCConfig{Type: "tcp", Address: "127.0.0.1", Port: port, Timeout: time.Second, BufferSize: 16}
}

func connect(t *testing.T, cfg types.IPCConfig) *IPCClient {
	t.Helper()
	c := NewIPCClient(cfg)
	require.NoError(t, c.Connect())
	t.Cleanup(c.Disconnect)
	return c
}

func TestRequestReply(t *testing.T) {
	srv, cfg := startServer(t)
	srv.RegisterHandler("echo", func(msg types.IPCMessage) {
		_ = srv.Reply(msg, map[string]interface{}{"text": msg.Data["text"]}, nil)
	})

	c := connect(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := NewMessage("echo", map[string]interface{}{"text": "hi"})
	reply, err := c.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "echo_response", reply.Type)
	assert.Equal(t, req.ID, reply.ID)
	assert.Equal(t, "hi", reply.Data["text"])
	assert.Equal(t, true, reply.Data["ok"])
}

func TestUnknownTypeRepliesWithError(t *testing.T) {
	_, cfg := startServer(t)
	c := connect(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, NewMessage("bogus", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	srv, cfg := startServer(t)
	a := connect(t, cfg)
	b := connect(t, cfg)

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Broadcast(NewMessage("chat", map[string]interface{}{"text": "hello"})))

	for _, c := range []*IPCClient{a, b} {
		select {
		case msg := <-c.Receive():
			assert.Equal(t, "chat", msg.Type)
			assert.Equal(t, "hello", msg.Data["text"])
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}
}

func TestClientHandlerAndDisconnect(t *testing.T) {
	srv, cfg := startServer(t)
	c := connect(t, cfg)

	got := make(chan string, 1)
	c.RegisterHandler("mood", func(msg types.IPCMessage) {
		got <- msg.Data["mood"].(string)
	})

	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Broadcast(NewMessage("mood", map[string]interface{}{"mood": "Teasing"})))
	select {
	case mood := <-got:
		assert.Equal(t, "Teasing", mood)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send(NewMessage("status", nil)), ErrNotConnected)
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSendToUnknownClient(t *testing.T) {
	srv, _ := startServer(t)
	assert.Error(t, srv.SendToClient("missing", NewMessage("chat", nil)))
}
