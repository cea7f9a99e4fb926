package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// wsServer serves a fixed script of raw messages and then closes.
func wsServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, msg := range messages {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}
	}))
}

func newTestStream(t *testing.T, srv *httptest.Server) *MarkPriceStream {
	t.Helper()
	s, err := New(Config{
		Symbols: []string{"ETHUSDT"},
		Logger:  nopLogger{},
	})
	require.NoError(t, err)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func TestStreamDeliversParsedTicks(t *testing.T) {
	srv := wsServer(t, []string{
		`{"stream":"ethusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1700000000000,"s":"ETHUSDT","p":"2000.50"}}`,
	})
	defer srv.Close()

	s := newTestStream(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	tick, ok := <-s.Ticks()
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
	assert.Equal(t, 2000.50, tick.Price)
	assert.Equal(t, int64(1700000000000), tick.Sequence)
	assert.Equal(t, time.UnixMilli(1700000000000), tick.EventTime)
}

func TestStreamSkipsMalformedAndForeignEvents(t *testing.T) {
	srv := wsServer(t, []string{
		`not json`,
		`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","E":1,"s":"ETHUSDT"}}`,
		`{"stream":"ethusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":2,"s":"ETHUSDT","p":"bogus"}}`,
		`{"stream":"ethusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":3,"s":"ETHUSDT","p":"1999.00"}}`,
	})
	defer srv.Close()

	s := newTestStream(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	tick, ok := <-s.Ticks()
	require.True(t, ok)
	assert.Equal(t, int64(3), tick.Sequence)
	assert.Equal(t, 1999.00, tick.Price)
}

func TestStreamClosesTicksOnDisconnect(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	s := newTestStream(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	select {
	case _, ok := <-s.Ticks():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("ticks channel was not closed after server disconnect")
	}
}

func TestStreamConnectFailure(t *testing.T) {
	s, err := New(Config{Symbols: []string{"ETHUSDT"}, Logger: nopLogger{}})
	require.NoError(t, err)
	s.url = "ws://127.0.0.1:1/stream"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Connect(ctx))
}
