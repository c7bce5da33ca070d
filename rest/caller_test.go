package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/next-trace/scg-communication/contract/errors"
	"github.com/next-trace/scg-communication/rest"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type problem struct {
	Code string `json:"code"`
}

type traceProp struct{}

func (traceProp) Inject(_ context.Context, h map[string]string) { h["traceparent"] = "00-abc" }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders/1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eu", r.URL.Query().Get("region"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "00-abc", r.Header.Get("traceparent"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(order{ID: "1", Total: 42})
	})
	mux.HandleFunc("POST /api/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in order
		_ = json.NewDecoder(r.Body).Decode(&in)
		in.ID = "new"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	})
	mux.HandleFunc("GET /api/orders/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":"order.not_found","title":"Not found","detail":"no order missing","status":404,"severityLevel":"warning"}`)
	})
	mux.HandleFunc("POST /api/export", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte{0x1, 0x2, 0x3})
	})
	mux.HandleFunc("GET /api/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *rest.Client {
	t.Helper()

	c, err := rest.New(srv.URL+"/api", rest.WithPropagator(traceProp{}), rest.WithHeader("X-Api-Key", "secret"))
	require.NoError(t, err)

	return c
}

func TestGetJSON(t *testing.T) {
	c := newClient(t, newServer(t))

	got, err := rest.GetJSON[order](t.Context(), c, "/orders/1", rest.P("region", "eu"), rest.P("page", 2), rest.P("skip", nil))
	require.NoError(t, err)
	assert.Equal(t, order{ID: "1", Total: 42}, got)
}

func TestPostJSON(t *testing.T) {
	c := newClient(t, newServer(t))

	got, err := rest.PostJSON[order](t.Context(), c, "orders", order{Total: 7})
	require.NoError(t, err)
	assert.Equal(t, order{ID: "new", Total: 7}, got)
}

func TestCallFailed(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv)

	var out order
	err := c.Get(t.Context(), "orders/missing", &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerr.ErrRestCallFailed)

	var cf *rest.CallFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "order.not_found", cf.Code())
	assert.Equal(t, http.StatusNotFound, cf.StatusCode())
	assert.Equal(t, rest.SeverityWarning, cf.Severity())
	assert.Equal(t, "failed to GET "+srv.URL+"/api/orders/missing: Not found, no order missing", cf.Error())
}

func TestCallFailedWithoutProblemBody(t *testing.T) {
	c := newClient(t, newServer(t))

	err := c.Get(t.Context(), "broken", nil)

	var cf *rest.CallFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, http.StatusBadGateway, cf.StatusCode())
	assert.Equal(t, rest.SeverityError, cf.Severity())
	assert.Equal(t, "Bad Gateway", cf.Details.Title)
}

func TestRawCallsDoNotInterpretStatus(t *testing.T) {
	c := newClient(t, newServer(t))

	body, status, err := c.GetRaw(t.Context(), "orders/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "order.not_found")

	_, status, err = c.PostRaw(t.Context(), "orders", order{Total: 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	b, err := c.PostBytes(t.Context(), "export", map[string]string{"format": "bin"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1, 0x2, 0x3}, b)
}

func TestResult(t *testing.T) {
	c := newClient(t, newServer(t))

	ok, err := rest.GetResult[order, problem](t.Context(), c, "orders/1", rest.P("region", "eu"), rest.P("page", 2))
	require.NoError(t, err)
	assert.True(t, ok.IsOK())
	assert.Equal(t, "1", ok.Value.ID)

	bad, err := rest.GetResult[order, problem](t.Context(), c, "orders/missing")
	require.NoError(t, err)
	assert.False(t, bad.IsOK())
	assert.Equal(t, "order.not_found", bad.Error.Code)
	assert.Equal(t, http.StatusNotFound, bad.Status)

	created, err := rest.PostResult[order, problem](t.Context(), c, "orders", order{Total: 3})
	require.NoError(t, err)
	assert.True(t, created.IsOK())
	assert.Equal(t, "new", created.Value.ID)
}

func TestSeverityParse(t *testing.T) {
	assert.Equal(t, rest.SeverityCritical, rest.ParseSeverity("CRITICAL", rest.SeverityError))
	assert.Equal(t, rest.SeverityInfo, rest.ParseSeverity("Info", rest.SeverityError))
	assert.Equal(t, rest.SeverityError, rest.ParseSeverity("bogus", rest.SeverityError))
	assert.Equal(t, "Warning", rest.SeverityWarning.String())
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := rest.New("not a url")
	assert.ErrorIs(t, err, cerr.ErrConfiguration)
}

func TestCanceledContext(t *testing.T) {
	c := newClient(t, newServer(t))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, _, err := c.GetRaw(ctx, "orders/1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientWithoutPropagator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("traceparent"))
		_ = json.NewEncoder(w).Encode(order{ID: "plain"})
	}))
	t.Cleanup(srv.Close)

	c, err := rest.New(srv.URL)
	require.NoError(t, err)

	got, err := rest.GetJSON[order](t.Context(), c, "orders/plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got.ID)
}
