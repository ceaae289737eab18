package agentsink

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/meshhub/internal/command"
)

func newTestServer(t *testing.T, sink *Sink) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(sink.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestBroadcastChat_DeliversToAttachedAgent(t *testing.T) {
	sink := New()
	go sink.Run()

	srv, wsURL := newTestServer(t, sink)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return sink.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	sink.BroadcastChat("node-1", map[string]interface{}{"text": "hello"})

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "chat", ev.Type)
	require.Equal(t, "node-1", ev.NodeID)
	require.Equal(t, "hello", ev.Payload["text"])
}

func TestBroadcastDeviceEvent_CarriesKindInPayload(t *testing.T) {
	sink := New()
	go sink.Run()

	srv, wsURL := newTestServer(t, sink)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return sink.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	sink.BroadcastDeviceEvent("fan-1", "state_changed", map[string]interface{}{
		"capability": "power",
		"old":        false,
		"new":        true,
	})

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "device_event", ev.Type)
	require.Equal(t, "fan-1", ev.NodeID)
	require.Equal(t, "state_changed", ev.Payload["kind"])
	require.Equal(t, "power", ev.Payload["capability"])
	require.Equal(t, true, ev.Payload["new"])
}

func TestHandleInbound_DispatchesToRegisteredHandler(t *testing.T) {
	sink := New()
	go sink.Run()

	var gotDevice string
	sink.SetCommandHandler(func(cmd command.Command) command.Response {
		gotDevice = cmd.Device
		return command.Response{Device: cmd.Device, Status: command.StatusOK}
	})

	srv, wsURL := newTestServer(t, sink)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(inboundFrame{
		RequestID: "req-1",
		Command:   command.Command{Device: "lamp-1", ActionKind: command.ActionToggle},
	}))

	var resp outboundResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "req-1", resp.RequestID)
	require.Equal(t, command.StatusOK, resp.Response.Status)
	require.Eventually(t, func() bool { return gotDevice == "lamp-1" }, time.Second, 10*time.Millisecond)
}

func TestHandleInbound_NoHandlerConfigured_ReturnsError(t *testing.T) {
	sink := New()
	go sink.Run()

	srv, wsURL := newTestServer(t, sink)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(inboundFrame{
		RequestID: "req-2",
		Command:   command.Command{Device: "lamp-1", ActionKind: command.ActionGet},
	}))

	var resp outboundResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, command.StatusError, resp.Response.Status)
}
