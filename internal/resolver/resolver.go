// Package resolver decides which transport a terminal session uses and
// builds the addresses that transport needs.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
)

// Default endpoint paths on the terminal server.
const (
	DefaultNegotiatePath     = "/admin/api/terminal/info"
	DefaultTerminalPath      = "/admin/ws/terminal"
	DefaultBrokerConnectPath = "/admin/api/terminal/mqtt/connect"

	defaultTimeout = 10 * time.Second
	maxInfoBody    = 64 * 1024
)

// Source records which rule selected the mode.
type Source string

const (
	SourceExplicit    Source = "explicit"
	SourceQuery       Source = "query"
	SourceNegotiation Source = "negotiation"
	SourceFallback    Source = "fallback"
)

// Options configures a Resolver.
type Options struct {
	// BaseURL is the terminal server, e.g. https://host:8080.
	BaseURL string

	// PageURL supplies the mode and agent query parameters. Defaults to BaseURL.
	PageURL string

	NegotiatePath     string
	TerminalPath      string
	BrokerConnectPath string

	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// Resolution is the chosen transport and its addressing.
type Resolution struct {
	Mode             model.TransportKind
	AgentID          string
	Source           Source
	SocketURL        string
	BrokerConnectURL string
}

// Target returns the transport target for this resolution.
func (r Resolution) Target() transport.Target {
	return transport.Target{
		SocketURL:        r.SocketURL,
		BrokerConnectURL: r.BrokerConnectURL,
		AgentID:          r.AgentID,
	}
}

// Resolver applies the mode precedence: explicit directive, then page query
// parameters, then one negotiation request.
type Resolver struct {
	opts   Options
	base   *url.URL
	page   *url.URL
	client *http.Client
	log    zerolog.Logger
}

// New validates the base and page URLs.
func New(opts Options) (*Resolver, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", opts.BaseURL)
	}

	page := base
	if opts.PageURL != "" {
		if page, err = url.Parse(opts.PageURL); err != nil {
			return nil, fmt.Errorf("parse page url: %w", err)
		}
	}

	if opts.NegotiatePath == "" {
		opts.NegotiatePath = DefaultNegotiatePath
	}
	if opts.TerminalPath == "" {
		opts.TerminalPath = DefaultTerminalPath
	}
	if opts.BrokerConnectPath == "" {
		opts.BrokerConnectPath = DefaultBrokerConnectPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Resolver{
		opts:   opts,
		base:   base,
		page:   page,
		client: client,
		log:    opts.Logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// Resolve picks the transport. It never fails: a negotiation that cannot be
// used falls back to the socket transport.
func (r *Resolver) Resolve(ctx context.Context, explicitMode, explicitAgent string) Resolution {
	query := r.page.Query()

	res := Resolution{AgentID: explicitAgent}
	if res.AgentID == "" {
		res.AgentID = query.Get("agent")
	}

	if mode, ok := model.ParseTransportKind(explicitMode); ok {
		res.Mode, res.Source = mode, SourceExplicit
	} else if mode, ok := model.ParseTransportKind(query.Get("mode")); ok {
		res.Mode, res.Source = mode, SourceQuery
	} else {
		mode, agent, err := r.negotiate(ctx, res.AgentID)
		if err != nil {
			r.log.Warn().Err(err).Msg("falling back to socket transport")
			res.Mode, res.Source = model.TransportSocket, SourceFallback
		} else {
			res.Mode, res.Source = mode, SourceNegotiation
		}
		if res.AgentID == "" {
			res.AgentID = agent
		}
	}

	res.SocketURL = r.socketURL(res.AgentID)
	res.BrokerConnectURL = r.endpoint(r.opts.BrokerConnectPath, res.AgentID)

	r.log.Info().
		Str("mode", string(res.Mode)).
		Str("source", string(res.Source)).
		Str("agent", res.AgentID).
		Msg("transport resolved")
	return res
}

type infoResponse struct {
	Mode      string `json:"mode"`
	AgentID   string `json:"agentId"`
	AgentUUID string `json:"agentUUID"`
}

// negotiate asks the server for a mode. The agent id is returned whenever
// the body parsed, even if the mode was unusable.
func (r *Resolver) negotiate(ctx context.Context, agentID string) (model.TransportKind, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(r.opts.NegotiatePath, agentID), nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrNegotiationFailure, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrNegotiationFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: server answered %s", model.ErrNegotiationFailure, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBody))
	if err != nil {
		return "", "", fmt.Errorf("%w: read body: %v", model.ErrNegotiationFailure, err)
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", fmt.Errorf("%w: malformed body: %v", model.ErrNegotiationFailure, err)
	}

	agent := info.AgentID
	if agent == "" {
		agent = info.AgentUUID
	}

	mode, ok := model.ParseTransportKind(info.Mode)
	if !ok {
		return "", agent, fmt.Errorf("%w: unrecognized mode %q", model.ErrNegotiationFailure, info.Mode)
	}
	return mode, agent, nil
}

func (r *Resolver) endpoint(path, agentID string) string {
	u := *r.base
	u.Path = joinPath(r.base.Path, path)
	u.RawQuery = agentQuery(agentID)
	u.Fragment = ""
	return u.String()
}

func (r *Resolver) socketURL(agentID string) string {
	u := *r.base
	u.Scheme = "ws"
	if r.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = joinPath(r.base.Path, r.opts.TerminalPath)
	u.RawQuery = agentQuery(agentID)
	u.Fragment = ""
	return u.String()
}

func joinPath(prefix, path string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

func agentQuery(agentID string) string {
	if agentID == "" {
		return ""
	}
	return url.Values{"agent": {agentID}}.Encode()
}
