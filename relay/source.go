// Package relay produces tunnel parameters from a list of relays, either
// read from a file or fetched from a coordination server.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fosrl/tunnelctl/logger"
)

// AuthError is returned when the coordination server rejects our
// credentials (401/403).
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error (status %d): %s", e.StatusCode, e.Message)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Relay is one server the tunnel can connect to.
type Relay struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
	Protocol  string `json:"protocol,omitempty"`
}

// Assignment is the tunnel addressing handed to this client.
type Assignment struct {
	Addresses           []string `json:"addresses"`
	Gateway             string   `json:"gateway"`
	DNS                 []string `json:"dns,omitempty"`
	AllowedIPs          []string `json:"allowedIps,omitempty"`
	PingableHosts       []string `json:"pingableHosts,omitempty"`
	MTU                 int      `json:"mtu,omitempty"`
	PersistentKeepalive int      `json:"persistentKeepalive,omitempty"`
}

type List struct {
	Relays     []Relay    `json:"relays"`
	Assignment Assignment `json:"assignment"`
}

// Source supplies the current relay list.
type Source interface {
	Relays(ctx context.Context) (List, error)
}

// FileSource reads the relay list from a JSON file.
type FileSource struct {
	Path string
}

func (s FileSource) Relays(context.Context) (List, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return List{}, fmt.Errorf("failed to read relay list: %w", err)
	}
	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return List{}, fmt.Errorf("failed to parse relay list %s: %w", s.Path, err)
	}
	return list, nil
}

type listResponse struct {
	Data    List   `json:"data"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HTTPSource fetches the relay list from a coordination server.
type HTTPSource struct {
	BaseURL  string
	ClientID string
	Secret   string
	TLS      TLSConfig
	Timeout  time.Duration
}

const relayListPath = "/api/v1/client/relays"

func (s HTTPSource) Relays(ctx context.Context) (List, error) {
	baseURL, err := url.Parse(s.BaseURL)
	if err != nil {
		return List{}, fmt.Errorf("failed to parse base URL: %w", err)
	}
	baseEndpoint := strings.TrimRight(baseURL.String(), "/")

	tlsConfig, err := s.TLS.build()
	if err != nil {
		return List{}, fmt.Errorf("failed to setup TLS configuration: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"clientId": s.ClientID,
		"secret":   s.Secret,
	})
	if err != nil {
		return List{}, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseEndpoint+relayListPath, bytes.NewReader(body))
	if err != nil {
		return List{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", "x-csrf-protection")

	logger.Debug("relay: requesting relay list from %s", req.URL.String())

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	resp, err := client.Do(req)
	if err != nil {
		return List{}, fmt.Errorf("failed to request relay list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.Error("relay: failed to get relay list with status code: %d, body: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return List{}, &AuthError{StatusCode: resp.StatusCode, Message: string(msg)}
		}
		return List{}, fmt.Errorf("failed to get relay list with status code: %d", resp.StatusCode)
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return List{}, fmt.Errorf("failed to decode relay list: %w", err)
	}
	if !lr.Success {
		return List{}, fmt.Errorf("failed to get relay list: %s", lr.Message)
	}
	logger.Debug("relay: received %d relays", len(lr.Data.Relays))
	return lr.Data, nil
}
