package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/models"
	"courier/internal/privacy"

	"github.com/sirupsen/logrus"
)

// HTTPClient talks to the message service's REST surface.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	clock     *NetworkClock
	logger    *logrus.Logger
}

// NewHTTPClient builds a client for the given service. A non-nil clock
// is kept in sync from the server time reported on delivery responses.
func NewHTTPClient(baseURL, authToken string, httpClient *http.Client, clock *NetworkClock, logger *logrus.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &HTTPClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client:    httpClient,
		clock:     clock,
		logger:    logger,
	}
}

type deliverRequest struct {
	Payload     Payload `json:"payload"`
	Destination string  `json:"destination"`
}

type deliverResponse struct {
	Unidentified bool   `json:"unidentified"`
	ServerTime   int64  `json:"serverTime,omitempty"`
	IdentityKey  string `json:"identityKey,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (c *HTTPClient) Deliver(ctx context.Context, payload Payload, destination models.Address, accessKey string) (*SendResult, error) {
	body, err := json.Marshal(deliverRequest{Payload: payload, Destination: destination.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/messages/%s", c.baseURL, url.PathEscape(destination.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessKey != "" {
		req.Header.Set("Unidentified-Access-Key", accessKey)
	} else if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	c.logger.WithFields(logrus.Fields{
		"destination":  privacy.MaskAddress(destination.String()),
		"unidentified": accessKey != "",
	}).Debug("Delivering payload")

	resp, err := c.client.Do(req)
	if err != nil {
		// Undifferentiated I/O failure; the caller surfaces it as retryable.
		return nil, fmt.Errorf("delivery request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery response: %w", err)
	}

	var decoded deliverResponse
	if len(respBody) > 0 {
		// Tolerate empty or non-JSON error bodies.
		_ = json.Unmarshal(respBody, &decoded)
	}
	if c.clock != nil {
		c.clock.ObserveServerTime(decoded.ServerTime)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &SendResult{Unidentified: decoded.Unidentified}, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrUnregistered
	case resp.StatusCode == http.StatusConflict:
		return nil, &UntrustedIdentityError{Address: destination, IdentityKey: decoded.IdentityKey}
	default:
		description := decoded.Error
		if description == "" {
			description = strings.TrimSpace(string(respBody))
		}
		return nil, &APIError{Code: resp.StatusCode, Description: description}
	}
}

func (c *HTTPClient) SendReadReceipt(ctx context.Context, receipt ReadReceiptMessage, destination models.Address) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal read receipt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/receipts/read/%s", c.baseURL, url.PathEscape(destination.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("read receipt request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Code: resp.StatusCode, Description: strings.TrimSpace(string(respBody))}
	}
	return nil
}
