// Package blob persists item metadata payloads with a content-addressed
// pinning service so the on-chain URI always resolves.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mintgate/ledger"
)

// Ref identifies a stored payload.
type Ref struct {
	Hash string `json:"hash"`
	URL  string `json:"url"`
}

// Store is the metadata persistence surface used by the minting engine.
type Store interface {
	Put(ctx context.Context, name string, payload []byte) (Ref, error)
}

// ErrEndpointRequired is returned when the pin service URL is missing.
var ErrEndpointRequired = errors.New("blob: pin service endpoint must be configured")

const defaultRequestTimeout = 10 * time.Second

// Client talks to an HTTP pinning service. Transient failures are retried
// under the caller's context.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	retry    ledger.RetryPolicy
}

// NewClient validates the endpoint and returns a client with a bounded retry
// budget.
func NewClient(endpoint, token string) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, ErrEndpointRequired
	}
	return &Client{
		endpoint: trimmed,
		token:    token,
		http:     &http.Client{Timeout: defaultRequestTimeout},
		retry: ledger.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     ledger.ExponentialBackoff(250*time.Millisecond, 2*time.Second),
		},
	}, nil
}

// Put uploads the payload and returns the service reference. The local
// digest is sent along so the service can verify integrity.
func (c *Client) Put(ctx context.Context, name string, payload []byte) (Ref, error) {
	digest := sha256.Sum256(payload)
	url := fmt.Sprintf("%s/pins?name=%s&sha256=%s", c.endpoint, name, hex.EncodeToString(digest[:]))

	var ref Ref
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("blob: pin service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return json.NewDecoder(resp.Body).Decode(&ref)
	})
	if err != nil {
		return Ref{}, fmt.Errorf("blob: put %s: %w", name, err)
	}
	if ref.Hash == "" {
		ref.Hash = hex.EncodeToString(digest[:])
	}
	return ref, nil
}

// Memory keeps payloads in process. Used when no pin service is configured
// and by tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, name string, payload []byte) (Ref, error) {
	digest := sha256.Sum256(payload)
	hash := hex.EncodeToString(digest[:])
	m.mu.Lock()
	m.blobs[hash] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return Ref{Hash: hash, URL: "memory://" + name}, nil
}

// Get returns a stored payload by hash.
func (m *Memory) Get(hash string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.blobs[hash]
	return payload, ok
}
