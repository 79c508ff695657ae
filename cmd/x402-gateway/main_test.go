package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-tool-gateway"
	"github.com/becomeliminal/x402-tool-gateway/replay"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPricingCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  search: {price: "2500", rateLimit: 0, description: Web search}
  ping: {category: free}
`), 0o600))

	var out bytes.Buffer
	cmd := pricingCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json", path})
	require.NoError(t, cmd.Execute())

	var entries []x402.CatalogEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "ping", entries[0].Tool)
	assert.Equal(t, "search", entries[1].Tool)
	assert.Equal(t, "2500", entries[1].Price)
	assert.Equal(t, "*", entries[2].Tool)

	out.Reset()
	cmd = pricingCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "unlimited")
	assert.Contains(t, out.String(), "Web search")
}

func TestPricingCmd_InvalidCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`default: {category: free}`), 0o600))

	cmd := pricingCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{path})
	assert.Error(t, cmd.Execute())
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "text")
	assert.NoError(t, err)
	_, err = newLogger("info", "JSON")
	assert.NoError(t, err)
	_, err = newLogger("loud", "json")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestRun_RequiresUpstream(t *testing.T) {
	err := run(context.Background(), x402.Config{PayTo: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}, quietLogger())
	assert.ErrorContains(t, err, "upstream URL is required")

	err = run(context.Background(), x402.Config{}, quietLogger())
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNewLimiter(t *testing.T) {
	mr := miniredis.RunT(t)

	l, nonces := newLimiter(context.Background(), x402.Config{RedisURL: "redis://" + mr.Addr()}, quietLogger())
	defer l.Close()
	assert.Equal(t, "redis", l.Backend(context.Background()))
	assert.IsType(t, &replay.RedisStore{}, nonces)

	l, nonces = newLimiter(context.Background(), x402.Config{RedisURL: "redis://127.0.0.1:1"}, quietLogger())
	defer l.Close()
	assert.Equal(t, "memory", l.Backend(context.Background()))
	assert.IsType(t, &replay.MemoryStore{}, nonces)

	l, nonces = newLimiter(context.Background(), x402.Config{}, quietLogger())
	defer l.Close()
	assert.Equal(t, "memory", l.Backend(context.Background()))
	assert.IsType(t, &replay.MemoryStore{}, nonces)
}

func TestNewProxy(t *testing.T) {
	var gotHost, gotForwarded string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotForwarded = r.Header.Get("X-Forwarded-Host")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.example/tools/ping", nil)
	w := httptest.NewRecorder()
	newProxy(target, quietLogger()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, target.Host, gotHost)
	assert.Equal(t, "gateway.example", gotForwarded)

	dead, _ := url.Parse("http://127.0.0.1:1")
	w = httptest.NewRecorder()
	newProxy(dead, quietLogger()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools/ping", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
