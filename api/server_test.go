package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/glasslink/link"
	"github.com/user/glasslink/router"
	"github.com/user/glasslink/wire/transport"
)

type fixture struct {
	server  *Server
	session *link.Session
	lb      *transport.Loopback
}

func newFixture(t *testing.T, mediaDir string) *fixture {
	t.Helper()
	cfg := link.DefaultConfig()
	cfg.KeepAliveInterval = time.Hour
	cfg.ValidatorInterval = time.Hour
	cfg.HandshakeTimeout = time.Hour

	lb := transport.NewLoopback()
	s := link.New(lb, cfg)
	t.Cleanup(func() { s.Close() })

	r := router.New(router.Options{Sender: s})
	s.SetDispatcher(r)
	return &fixture{server: NewServer(s, r, mediaDir), session: s, lb: lb}
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	if err := f.session.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	f.lb.Connect()
	f.lb.Negotiate(182)
	if f.session.State() != link.Ready {
		t.Fatalf("expected ready, got %s", f.session.State())
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return out
}

func nextSent(t *testing.T, lb *transport.Loopback) []byte {
	t.Helper()
	select {
	case b := <-lb.SentC():
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing sent")
		return nil
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")

	w := f.do("GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["state"] != "idle" || body["linked"] != false {
		t.Errorf("unexpected health %v", body)
	}
}

func TestDiscoveryAndTeardown(t *testing.T) {
	f := newFixture(t, "")

	w := f.do("POST", "/api/v1/session/discovery", "")
	if w.Code != http.StatusOK || decode(t, w)["state"] != "advertising" {
		t.Fatalf("unexpected discovery response %d %s", w.Code, w.Body.String())
	}
	if !f.lb.Advertising() {
		t.Errorf("transport should be advertising")
	}

	f.lb.Connect()
	f.lb.Negotiate(182)

	w = f.do("GET", "/api/v1/session", "")
	var info link.SessionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.ID != f.session.ID() || info.PayloadSize != 182 || info.Transport != "loopback" {
		t.Errorf("unexpected session info %+v", info)
	}

	w = f.do("POST", "/api/v1/session/teardown", "")
	if decode(t, w)["state"] != "disconnected" {
		t.Errorf("expected disconnected after teardown, got %s", w.Body.String())
	}
}

func TestDiscoveryOnClosedTransport(t *testing.T) {
	f := newFixture(t, "")
	f.session.Close()

	w := f.do("POST", "/api/v1/session/discovery", "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t, "")

	w := f.do("POST", "/api/v1/send", `{"type":"display_text","text":"hello"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("send without a peer should be 409, got %d", w.Code)
	}

	f.ready(t)
	w = f.do("POST", "/api/v1/send", `{"type":"display_text","text":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sent := nextSent(t, f.lb); !bytes.Contains(sent, []byte(`"display_text"`)) {
		t.Errorf("unexpected frame %q", sent)
	}

	w = f.do("POST", "/api/v1/send", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestRoute(t *testing.T) {
	f := newFixture(t, "")
	f.ready(t)

	w := f.do("POST", "/api/v1/route", `{"type":"ping"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if sent := nextSent(t, f.lb); !bytes.Contains(sent, []byte(`"pong"`)) {
		t.Errorf("expected pong, got %q", sent)
	}

	if w := f.do("POST", "/api/v1/route", `{"type":"no_such_thing"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown type, got %d", w.Code)
	}
	if w := f.do("POST", "/api/v1/route", `{"requestId":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without type, got %d", w.Code)
	}
}

func TestMediaServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "IMG_1.jpg"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, dir)

	w := f.do("GET", "/media/IMG_1.jpg", "")
	if w.Code != http.StatusOK || w.Body.String() != "jpeg" {
		t.Errorf("unexpected media response %d %q", w.Code, w.Body.String())
	}
}
