package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// maxHandshakeBody bounds the connect endpoint response.
const maxHandshakeBody = 64 * 1024

// BrokerInfo is the broker connect endpoint response.
type BrokerInfo struct {
	Available     bool   `json:"available"`
	SessionID     string `json:"sessionId"`
	AgentID       string `json:"agentId"`
	BrokerAddress string `json:"brokerAddress"`
}

// UnmarshalJSON accepts both the documented keys and the legacy
// sessionID/agentUUID/mqttBroker keys.
func (i *BrokerInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		Available     bool   `json:"available"`
		SessionID     string `json:"sessionId"`
		AgentID       string `json:"agentId"`
		BrokerAddress string `json:"brokerAddress"`
		LegacySession string `json:"sessionID"`
		LegacyAgent   string `json:"agentUUID"`
		LegacyBroker  string `json:"mqttBroker"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = BrokerInfo{
		Available:     raw.Available,
		SessionID:     firstNonEmpty(raw.SessionID, raw.LegacySession),
		AgentID:       firstNonEmpty(raw.AgentID, raw.LegacyAgent),
		BrokerAddress: firstNonEmpty(raw.BrokerAddress, raw.LegacyBroker),
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FetchBrokerInfo performs the out-of-band broker handshake.
// A non-success status, an unreadable body or available=false all wrap
// ErrHandshakeRejected and must not be retried.
func FetchBrokerInfo(ctx context.Context, client *http.Client, url string) (BrokerInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BrokerInfo{}, fmt.Errorf("%w: %v", model.ErrAddressUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return BrokerInfo{}, fmt.Errorf("%w: broker handshake: %v", model.ErrTimeout, err)
		}
		return BrokerInfo{}, fmt.Errorf("%w: broker handshake: %v", model.ErrAddressUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BrokerInfo{}, fmt.Errorf("%w: broker connect endpoint answered %s", model.ErrHandshakeRejected, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return BrokerInfo{}, fmt.Errorf("%w: read broker info: %v", model.ErrHandshakeRejected, err)
	}

	var info BrokerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return BrokerInfo{}, fmt.Errorf("%w: parse broker info: %v", model.ErrHandshakeRejected, err)
	}
	if !info.Available {
		return info, fmt.Errorf("%w: agent is not available", model.ErrHandshakeRejected)
	}
	if info.SessionID == "" || info.BrokerAddress == "" {
		return info, fmt.Errorf("%w: broker info is incomplete", model.ErrHandshakeRejected)
	}
	return info, nil
}
