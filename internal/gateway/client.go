// Copyright 2025 Certen Protocol

package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPError is returned by GetBatchData and SendSignature whenever the
// gateway responds with any status other than 200 OK, carrying enough detail for the committee loop's retry policy to
// classify the failure (spec §7).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway: HTTP %d: %s", e.StatusCode, e.Body)
}

// ErrSignatureNotAccepted is returned by SendSignature when the gateway
// responds 200 OK but with a body other than the expected acknowledgement.
var ErrSignatureNotAccepted = errors.New("gateway: signature was not accepted")

// ErrHeightNotSupported is returned by OrderTreeHeight when the gateway
// predates the order_tree_height endpoint (any status other than 200 OK), meaning
// the caller should fall back to its own configured order tree height.
var ErrHeightNotSupported = errors.New("gateway: order_tree_height not supported")

// Client is the HTTP client for the availability gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient builds a gateway client against baseURL with the given request
// timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.New(log.Writer(), "[GatewayClient] ", log.LstdFlags),
	}
}

// NewClientWithTLS builds a gateway client using a custom *tls.Config, for
// gateways that require mutual TLS (spec §6, CERTIFICATES_PATH).
func NewClientWithTLS(baseURL string, timeout time.Duration, tlsConfig *tls.Config) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: log.New(log.Writer(), "[GatewayClient] ", log.LstdFlags),
	}
}

// GetBatchData fetches the state update for batchID.
func (c *Client) GetBatchData(ctx context.Context, batchID int64) (StateUpdate, error) {
	requestID := uuid.New().String()
	url := fmt.Sprintf("%s/availability_gateway/get_batch_data?batch_id=%d", c.baseURL, batchID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StateUpdate{}, fmt.Errorf("gateway: build get_batch_data request: %w", err)
	}
	req.Header.Set("X-Request-ID", requestID)

	c.logger.Printf("request=%s batch_id=%d get_batch_data", requestID, batchID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StateUpdate{}, fmt.Errorf("gateway: get_batch_data: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StateUpdate{}, fmt.Errorf("gateway: read get_batch_data body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("request=%s batch_id=%d get_batch_data failed status=%d", requestID, batchID, resp.StatusCode)
		return StateUpdate{}, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var envelope BatchDataResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return StateUpdate{}, fmt.Errorf("gateway: decode get_batch_data response: %w", err)
	}
	return envelope.Update, nil
}

// OrderTreeHeight asks the gateway which order tree height it is using for
// the current version of the protocol. Older availability gateways predate
// this endpoint entirely; callers should treat ErrHeightNotSupported as "no
// override available" and keep using their own configured height (spec
// §4.5 step 6 / §4.7 "trades-height adaptation").
func (c *Client) OrderTreeHeight(ctx context.Context) (int, error) {
	requestID := uuid.New().String()
	url := fmt.Sprintf("%s/availability_gateway/order_tree_height", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("gateway: build order_tree_height request: %w", err)
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway: order_tree_height: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("gateway: read order_tree_height body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d", ErrHeightNotSupported, resp.StatusCode)
	}

	var envelope struct {
		OrderTreeHeight int `json:"order_tree_height"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("gateway: decode order_tree_height response: %w", err)
	}
	return envelope.OrderTreeHeight, nil
}

// SendSignature POSTs the committee's signature over a batch's claim hash.
func (c *Client) SendSignature(ctx context.Context, sig CommitteeSignature) error {
	requestID := uuid.New().String()
	payload, err := sig.marshal()
	if err != nil {
		return fmt.Errorf("gateway: encode signature: %w", err)
	}

	url := fmt.Sprintf("%s/availability_gateway/approve_new_roots", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build send_signature request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	c.logger.Printf("request=%s batch_id=%d send_signature", requestID, sig.BatchID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: send_signature: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read send_signature body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("request=%s batch_id=%d send_signature failed status=%d", requestID, sig.BatchID, resp.StatusCode)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if string(body) != "signature accepted" {
		c.logger.Printf("request=%s batch_id=%d unexpected response: %s", requestID, sig.BatchID, body)
		return ErrSignatureNotAccepted
	}

	c.logger.Printf("request=%s batch_id=%d signature accepted", requestID, sig.BatchID)
	return nil
}
