package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/health"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/plugin"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

const (
	testKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	peerAddr = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

func newTestServer(t *testing.T) (*httptest.Server, *plugin.Plugin) {
	t.Helper()

	mem := ledger.NewMemory("native")
	id, err := session.Resolve(testKey, "native", session.Info{})
	require.NoError(t, err)
	mem.Fund(id.Address, 10_000)

	p := plugin.New(plugin.Config{
		PrivateKey:   testKey,
		AssetID:      "native",
		Info:         session.Info{Prefix: "g.crypto.test.", CurrencyCode: "ETH", CurrencyScale: 18},
		PollInterval: 20 * time.Millisecond,
	}, plugin.Deps{Gateway: mem, Query: mem, Balance: mem, Logger: slog.Default()})

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })

	reg := health.NewRegistry()
	reg.Register("plugin", health.PluginChecker(p))

	hub := events.NewWSHub(p.Events(), slog.Default())
	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	srv := New(p, hub, reg, slog.Default(), true)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, p
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func transferBody(id string) map[string]any {
	preimage := hex.EncodeToString([]byte("thirty-two byte preimage value!!"))
	cond, _ := transfer.ConditionFromPreimage(preimage)
	return map[string]any{
		"id":                 id,
		"to":                 peerAddr,
		"amount":             100,
		"executionCondition": cond,
		"expiresAt":          time.Now().Add(time.Minute).Format(time.RFC3339Nano),
	}
}

func TestSendTransferEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/transfers", transferBody("t1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "t1", body["id"])

	// Duplicate id conflicts.
	resp = postJSON(t, ts.URL+"/transfers", transferBody("t1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Malformed body.
	resp = postJSON(t, ts.URL+"/transfers", map[string]any{"id": "t2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFulfillmentEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	preimage := hex.EncodeToString([]byte("thirty-two byte preimage value!!"))

	resp := postJSON(t, ts.URL+"/transfers", transferBody("t1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Open contract has no fulfillment yet.
	get, err := http.Get(ts.URL + "/transfers/t1/fulfillment")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, get.StatusCode)
	get.Body.Close()

	resp = postJSON(t, ts.URL+"/transfers/t1/fulfillment", map[string]any{"fulfillment": preimage})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	get, err = http.Get(ts.URL + "/transfers/t1/fulfillment")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get.StatusCode)
	body := decode(t, get)
	assert.Equal(t, preimage, body["fulfillment"])

	// Unknown id.
	get, err = http.Get(ts.URL + "/transfers/nope/fulfillment")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
	get.Body.Close()
}

func TestRejectEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/transfers", transferBody("t1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/transfers/t1/rejection",
		map[string]any{"code": "F99", "name": "no thanks"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Already closed.
	resp = postJSON(t, ts.URL+"/transfers/t1/rejection",
		map[string]any{"code": "F99", "name": "no thanks"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMessageEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/messages", map[string]any{
		"to":   peerAddr,
		"data": map[string]any{"k": "v"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode(t, resp)
	assert.NotEmpty(t, body["id"])
}

func TestAccountEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	get, err := http.Get(ts.URL + "/account")
	require.NoError(t, err)
	body := decode(t, get)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", body["account"])

	get, err = http.Get(ts.URL + "/balance")
	require.NoError(t, err)
	body = decode(t, get)
	assert.Equal(t, float64(10_000), body["balance"])

	get, err = http.Get(ts.URL + "/info")
	require.NoError(t, err)
	body = decode(t, get)
	assert.Equal(t, "g.crypto.test.", body["prefix"])
}

func TestHealthz(t *testing.T) {
	ts, p := newTestServer(t)

	get, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get.StatusCode)
	get.Body.Close()

	require.NoError(t, p.Disconnect(context.Background()))

	get, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, get.StatusCode)
	get.Body.Close()
}

func TestMetricsExposed(t *testing.T) {
	ts, _ := newTestServer(t)

	get, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(get.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ledgerlink_lifecycle_events_total")
}
