package pubsub

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/stretchr/testify/require"

	"github.com/comigor/convo-go/internal/config"
)

// wsListener hands websocket connections accepted by an HTTP handler to the
// STOMP server as plain net.Conns.
type wsListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *wsListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

// startSTOMPBroker runs go-stomp's in-process broker behind a websocket
// endpoint and returns its ws:// URL.
func startSTOMPBroker(t *testing.T) string {
	t.Helper()
	l := &wsListener{conns: make(chan net.Conn), done: make(chan struct{})}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
		if err != nil {
			return
		}
		nc := websocket.NetConn(context.Background(), ws, websocket.MessageText)
		select {
		case l.conns <- nc:
		case <-l.done:
			nc.Close()
		}
	}))
	go func() { _ = server.Serve(l) }()

	t.Cleanup(func() {
		l.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSTOMP_RoundTripUsesDestinationsVerbatim(t *testing.T) {
	url := startSTOMPBroker(t)
	dial := stompDialer(config.PubSubConfig{URL: url, Host: "/"},
		stomp.ConnOpt.UnsubscribeReceiptTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(ctx)
	require.NoError(t, err)

	alice := make(chan string, 16)
	bob := make(chan string, 16)
	sub, err := conn.Subscribe("/topic/messages/alice", func(p []byte) { alice <- string(p) })
	require.NoError(t, err)
	_, err = conn.Subscribe("/topic/messages/bob", func(p []byte) { bob <- string(p) })
	require.NoError(t, err)

	// Resend until the broker has registered the subscription.
	var got string
	require.Eventually(t, func() bool {
		if err := conn.Publish(ctx, "/topic/messages/alice", []byte(`{"content":"yo"}`)); err != nil {
			return false
		}
		select {
		case got = <-alice:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	require.JSONEq(t, `{"content":"yo"}`, got)
	require.Empty(t, bob, "a publish on alice's destination must not reach bob's")

	start := time.Now()
	_ = sub.Unsubscribe()
	require.Less(t, time.Since(start), 2*time.Second, "unsubscribe waits at most the receipt timeout")

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("close did not return")
	}
	require.ErrorIs(t, conn.Close(), ErrClosed)
}

func TestSTOMP_DialHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := STOMPDialer(config.PubSubConfig{URL: startSTOMPBroker(t), Host: "/"})(ctx)
	require.Error(t, err)
}
