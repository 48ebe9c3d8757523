package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

type negotiationServer struct {
	*httptest.Server
	hits     atomic.Int32
	lastPath atomic.Value
}

func newNegotiationServer(t *testing.T, status int, body string) *negotiationServer {
	t.Helper()
	s := &negotiationServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.lastPath.Store(r.URL.RequestURI())
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func newResolver(t *testing.T, base, page string) *Resolver {
	t.Helper()
	r, err := New(Options{BaseURL: base, PageURL: page, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestExplicitModeSkipsNegotiation(t *testing.T) {
	srv := newNegotiationServer(t, http.StatusOK, `{"mode":"socket"}`)
	r := newResolver(t, srv.URL, srv.URL+"/terminal?mode=ws&agent=from-query")

	res := r.Resolve(context.Background(), "mqtt", "agent-7")

	if res.Mode != model.TransportBroker || res.Source != SourceExplicit {
		t.Errorf("expected explicit broker, got %s from %s", res.Mode, res.Source)
	}
	if res.AgentID != "agent-7" {
		t.Errorf("explicit agent should win, got %q", res.AgentID)
	}
	if n := srv.hits.Load(); n != 0 {
		t.Errorf("expected no negotiation, got %d requests", n)
	}
}

func TestQueryModeSkipsNegotiation(t *testing.T) {
	srv := newNegotiationServer(t, http.StatusOK, `{"mode":"socket"}`)
	r := newResolver(t, srv.URL, srv.URL+"/terminal?mode=mqtt&agent=a1")

	res := r.Resolve(context.Background(), "", "")

	if res.Mode != model.TransportBroker || res.Source != SourceQuery {
		t.Errorf("expected query broker, got %s from %s", res.Mode, res.Source)
	}
	if res.AgentID != "a1" {
		t.Errorf("expected query agent a1, got %q", res.AgentID)
	}
	if n := srv.hits.Load(); n != 0 {
		t.Errorf("expected no negotiation, got %d requests", n)
	}
}

func TestUnknownExplicitModeNegotiates(t *testing.T) {
	srv := newNegotiationServer(t, http.StatusOK, `{"mode":"mqtt","agentUUID":"agent-from-server"}`)
	r := newResolver(t, srv.URL, "")

	res := r.Resolve(context.Background(), "carrier-pigeon", "")

	if res.Mode != model.TransportBroker || res.Source != SourceNegotiation {
		t.Errorf("expected negotiated broker, got %s from %s", res.Mode, res.Source)
	}
	if res.AgentID != "agent-from-server" {
		t.Errorf("negotiation should fill the agent, got %q", res.AgentID)
	}
	if n := srv.hits.Load(); n != 1 {
		t.Errorf("expected exactly one negotiation request, got %d", n)
	}
}

func TestNegotiationCarriesKnownAgent(t *testing.T) {
	srv := newNegotiationServer(t, http.StatusOK, `{"mode":"socket","agentId":"other"}`)
	r := newResolver(t, srv.URL, "")

	res := r.Resolve(context.Background(), "", "agent 1")

	if got := srv.lastPath.Load(); got != "/admin/api/terminal/info?agent=agent+1" {
		t.Errorf("unexpected negotiation request %v", got)
	}
	if res.AgentID != "agent 1" {
		t.Errorf("explicit agent should not be replaced, got %q", res.AgentID)
	}
}

func TestUnreachableNegotiationFallsBackToSocket(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	res := newResolver(t, base, "").Resolve(context.Background(), "", "")

	if res.Mode != model.TransportSocket || res.Source != SourceFallback {
		t.Errorf("expected socket fallback, got %s from %s", res.Mode, res.Source)
	}
}

func TestNegotiationFailureAlwaysYieldsSocket(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("error statuses fall back to socket", prop.ForAll(
		func(status int) bool {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(`{"mode":"mqtt"}`))
			}))
			defer srv.Close()

			r, err := New(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
			if err != nil {
				return false
			}
			res := r.Resolve(context.Background(), "", "")
			return res.Mode == model.TransportSocket && res.Source == SourceFallback
		},
		gen.IntRange(400, 599),
	))

	properties.Property("unrecognized modes fall back to socket", prop.ForAll(
		func(mode string) bool {
			if _, ok := model.ParseTransportKind(mode); ok {
				return true
			}
			body, _ := json.Marshal(map[string]string{"mode": mode})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(body)
			}))
			defer srv.Close()

			r, err := New(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
			if err != nil {
				return false
			}
			res := r.Resolve(context.Background(), "", "")
			return res.Mode == model.TransportSocket && res.Source == SourceFallback
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestMalformedNegotiationFallsBackToSocket(t *testing.T) {
	srv := newNegotiationServer(t, http.StatusOK, `<html>login</html>`)

	res := newResolver(t, srv.URL, "").Resolve(context.Background(), "", "")

	if res.Mode != model.TransportSocket {
		t.Errorf("expected socket, got %s", res.Mode)
	}
}

func TestAddressing(t *testing.T) {
	r := newResolver(t, "https://term.example.com:8443", "")

	res := r.Resolve(context.Background(), "socket", "a/b")

	if res.SocketURL != "wss://term.example.com:8443/admin/ws/terminal?agent=a%2Fb" {
		t.Errorf("unexpected socket url %s", res.SocketURL)
	}
	if res.BrokerConnectURL != "https://term.example.com:8443/admin/api/terminal/mqtt/connect?agent=a%2Fb" {
		t.Errorf("unexpected broker connect url %s", res.BrokerConnectURL)
	}

	target := res.Target()
	if target.AgentID != "a/b" || target.SocketURL != res.SocketURL {
		t.Errorf("target does not match resolution: %+v", target)
	}

	plain := newResolver(t, "http://localhost:8080", "").Resolve(context.Background(), "ws", "")
	if plain.SocketURL != "ws://localhost:8080/admin/ws/terminal" {
		t.Errorf("unexpected socket url %s", plain.SocketURL)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "ftp://host", "http://"} {
		if _, err := New(Options{BaseURL: base}); err == nil {
			t.Errorf("expected error for %q", base)
		}
	}
}
