package controller

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/grapher/pkg/httpx"
	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/measure"
	"github.com/nicktill/grapher/pkg/stream"
	"github.com/nicktill/grapher/pkg/wire"
)

const goldenInventory = `{"items":{` +
	`"TALON":[{"inventoryId":0,"deviceId":3,"description":"Talon 3"}],` +
	`"ACCELEROMETER":[{"inventoryId":1,"deviceId":1,"description":"Chassis accelerometer"}]},` +
	`"measures":{"TALON":[{"measureName":"VALUE"},{"measureName":"BASE_ID"}],` +
	`"ACCELEROMETER":[{"measureName":"JERK"}]}}`

func fixture() *inventory.Inventory {
	talon := measure.NewItem(3, "TALON", "Talon 3").
		Bind("VALUE", func() float64 { return 27 }).
		Bind("BASE_ID", func() float64 { return 67 })
	accel := measure.NewItem(1, "ACCELEROMETER", "Chassis accelerometer").
		Bind("JERK", func() float64 { return 2767 })
	return inventory.New([]measure.Measurable{talon, accel})
}

// startController runs a controller on an ephemeral port, streaming to udpPort.
func startController(t *testing.T, udpPort int) (*Controller, string) {
	t.Helper()
	c := New(fixture(), Config{
		Addr:    "127.0.0.1:0",
		UDPPort: udpPort,
		Period:  time.Millisecond,
	})
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Shutdown() })
	return c, "http://" + c.Addr().String()
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestController_Inventory(t *testing.T) {
	_, base := startController(t, 5801)

	resp, body := get(t, base+"/v1/grapher/inventory")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, goldenInventory, body)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestController_InventoryNotModified(t *testing.T) {
	_, base := startController(t, 5801)

	first, _ := get(t, base+"/v1/grapher/inventory")
	etag := first.Header.Get("ETag")

	req, err := http.NewRequest(http.MethodGet, base+"/v1/grapher/inventory", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestController_RestartServesSameCatalog(t *testing.T) {
	c := New(fixture(), Config{Addr: "127.0.0.1:0", UDPPort: 5801})

	require.NoError(t, c.Start())
	_, first := get(t, "http://"+c.Addr().String()+"/v1/grapher/inventory")
	require.NoError(t, c.Shutdown())
	assert.Equal(t, StateStopped, c.State())
	assert.Nil(t, c.Addr())

	require.NoError(t, c.Start())
	defer c.Shutdown()
	assert.Equal(t, StateRunning, c.State())
	_, second := get(t, "http://"+c.Addr().String()+"/v1/grapher/inventory")

	assert.Equal(t, first, second)
}

func TestController_DoubleStart(t *testing.T) {
	c, _ := startController(t, 5801)
	addr := c.Addr().String()

	err := c.Start()
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, addr, c.Addr().String())
	assert.Equal(t, StateRunning, c.State())
}

func TestController_ShutdownWhileStopped(t *testing.T) {
	c := New(fixture(), Config{Addr: "127.0.0.1:0"})
	assert.NoError(t, c.Shutdown())
	assert.NoError(t, c.Shutdown())
	assert.Equal(t, StateStopped, c.State())
}

func TestController_BindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	c := New(fixture(), Config{Addr: busy.Addr().String()})
	err = c.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
	assert.Equal(t, StateStopped, c.State())
}

func TestController_SubscribeStreams(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	c, base := startController(t, receiver.LocalAddr().(*net.UDPAddr).Port)

	resp, body := post(t, base+"/v1/grapher/subscription",
		`{"items":[{"inventoryId":0,"measure":"VALUE"},{"inventoryId":1,"measure":"JERK"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t,
		`{"items":[{"description":"Talon 3","measure":"VALUE"},{"description":"Chassis accelerometer","measure":"JERK"}]}`,
		body)

	buf := make([]byte, 1024)
	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)

	snap, err := wire.DecodeSnapshotJSON(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, []float64{27, 2767}, snap.Data)

	info, ok := c.Stream()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", info.Client.Addr().String())
}

func TestController_Unsubscribe(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	c, base := startController(t, receiver.LocalAddr().(*net.UDPAddr).Port)

	resp, _ := post(t, base+"/v1/grapher/subscription", `{"items":[{"inventoryId":0,"measure":"VALUE"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/grapher/subscription", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()

	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	_, ok := c.Stream()
	assert.False(t, ok)
}

func TestController_SubscribeErrors(t *testing.T) {
	_, base := startController(t, 5801)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMsg    string
	}{
		{"malformed json", `{"items":`, http.StatusBadRequest, "malformed"},
		{"unknown field", `{"items":[],"rate":5}`, http.StatusBadRequest, "unknown field"},
		{"unknown item", `{"items":[{"inventoryId":9,"measure":"VALUE"}]}`, http.StatusNotFound, "items[0]"},
		{"negative item", `{"items":[{"inventoryId":-1,"measure":"VALUE"}]}`, http.StatusNotFound, "no such item"},
		{"unsupported measure", `{"items":[{"inventoryId":1,"measure":"VALUE"}]}`, http.StatusUnprocessableEntity, "VALUE"},
		{"empty selection", `{"items":[]}`, http.StatusUnprocessableEntity, ""},
		{"bad client", `{"items":[{"inventoryId":0,"measure":"VALUE"}],"client":"robot.local"}`, http.StatusBadRequest, "invalid client address"},
		{"unspecified client", `{"items":[{"inventoryId":0,"measure":"VALUE"}],"client":"0.0.0.0"}`, http.StatusBadRequest, "cannot receive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, base+"/v1/grapher/subscription", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var errResp httpx.ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(body), &errResp))
			assert.Equal(t, http.StatusText(tt.wantStatus), errResp.Error)
			assert.Contains(t, errResp.Message, tt.wantMsg)
		})
	}
}

func TestController_MethodNotAllowed(t *testing.T) {
	_, base := startController(t, 5801)

	resp, _ := post(t, base+"/v1/grapher/inventory", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestController_Status(t *testing.T) {
	_, base := startController(t, 5801)

	resp, body := get(t, base+"/v1/grapher/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, 2, status.Items)
	assert.Equal(t, 5801, status.UDPPort)
	assert.Equal(t, "json", status.Encoding)
	assert.False(t, status.Stream.Active)
}

func TestController_CORSPreflight(t *testing.T) {
	_, base := startController(t, 5801)

	req, err := http.NewRequest(http.MethodOptions, base+"/v1/grapher/subscription", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHandleSubscribe_BodyTooLarge(t *testing.T) {
	a := &api{
		inv:     fixture(),
		streams: stream.New(stream.Config{Port: 5801}),
		started: time.Now(),
	}
	defer a.streams.Close()

	body := `{"items":[` + strings.Repeat(`{"inventoryId":0,"measure":"VALUE"},`, 4096) + `]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/grapher/subscription", strings.NewReader(body))
	a.handleSubscribe(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDestination(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "[::ffff:10.27.67.5]:41234"

	addr, err := destination(r, "")
	require.NoError(t, err)
	assert.Equal(t, "10.27.67.5", addr.String())

	addr, err = destination(r, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", addr.String())

	addr, err = destination(r, "fe80::1")
	require.NoError(t, err)
	assert.True(t, addr.Is6())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestController_ShutdownDrainsSubscribeInFlight(t *testing.T) {
	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()

	c := New(fixture(), Config{
		Addr:    "127.0.0.1:0",
		UDPPort: receiver.LocalAddr().(*net.UDPAddr).Port,
		Period:  time.Millisecond,
	})
	require.NoError(t, c.Start())
	defer c.Shutdown()

	body := `{"items":[{"inventoryId":0,"measure":"VALUE"}]}`
	conn, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Headers only: the handler is now blocked reading the body.
	_, err = fmt.Fprintf(conn, "POST /v1/grapher/subscription HTTP/1.1\r\nHost: %s\r\n"+
		"Content-Type: application/json\r\nContent-Length: %d\r\n\r\n", c.Addr(), len(body))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Shutdown() }()
	time.Sleep(50 * time.Millisecond)

	_, err = io.WriteString(conn, body)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not return")
	}
	stoppedAt := time.Now().UnixMilli()
	assert.Equal(t, StateStopped, c.State())

	time.Sleep(50 * time.Millisecond)

	// Anything sampled after Shutdown returned is a leaked stream.
	late := 0
	buf := make([]byte, 1024)
	for i := 0; i < 10000; i++ {
		require.NoError(t, receiver.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
		n, _, err := receiver.ReadFromUDP(buf)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			break
		}
		require.NoError(t, err)
		snap, err := wire.DecodeSnapshotJSON(buf[:n])
		require.NoError(t, err)
		if snap.Timestamp > stoppedAt {
			late++
		}
	}
	assert.Zero(t, late, "datagrams sent after Shutdown returned")
}

func TestHandleSubscribe_ClosedStream(t *testing.T) {
	a := &api{
		inv:     fixture(),
		streams: stream.New(stream.Config{Port: 5801}),
		started: time.Now(),
	}
	require.NoError(t, a.streams.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/grapher/subscription",
		strings.NewReader(`{"items":[{"inventoryId":0,"measure":"VALUE"}],"client":"127.0.0.1"}`))
	a.handleSubscribe(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	_, ok := a.streams.Active()
	assert.False(t, ok)
}

func TestController_EventsHonourAllowedOrigins(t *testing.T) {
	c := New(fixture(), Config{
		Addr:           "127.0.0.1:0",
		UDPPort:        5801,
		AllowedOrigins: []string{"http://pit-display.local"},
	})
	require.NoError(t, c.Start())
	defer c.Shutdown()

	url := "ws://" + c.Addr().String() + "/v1/grapher/events"

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://pit-display.local", true},
		{"http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			header := http.Header{"Origin": []string{tt.origin}}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.want {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}
