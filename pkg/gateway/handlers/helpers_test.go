package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
	"github.com/vango-go/vai-assist/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		MaxBodyBytes:            1 << 20,
		LiveMaxSessionDuration:  time.Minute,
		LiveMaxAudioFrameBytes:  16384,
		LiveMaxJSONMessageBytes: 64 * 1024,
		LiveWSPingInterval:      time.Hour,
		LiveWSWriteTimeout:      time.Second,
		LiveHandshakeTimeout:    time.Second,
	}
}

func newTestAccounts(t *testing.T) *accounts.Service {
	t.Helper()
	return accounts.New(store.NewMemoryStorage(),
		accounts.WithLogger(testLogger()),
		accounts.WithPasswordHasher(func(p string) (string, error) { return p, nil }),
	)
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
