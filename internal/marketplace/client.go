// Package marketplace talks to the marketplace gateway, the service that fronts the
// Vinted, eBay and Etsy APIs behind one JSON contract. Responses are classified for
// the job processor: 429, 5xx and network failures are transient, other 4xx are permanent.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/models"
)

// Client is the surface handlers depend on.
type Client interface {
	UploadPhoto(ctx context.Context, mp models.Marketplace, photo PhotoUpload) (string, error)
	CreateListing(ctx context.Context, mp models.Marketplace, draft ListingDraft) (RemoteListing, error)
	UpdateListing(ctx context.Context, mp models.Marketplace, remoteID string, patch models.Payload) error
	ListInventory(ctx context.Context, mp models.Marketplace, page, perPage int) (InventoryPage, error)
	ListingDetails(ctx context.Context, mp models.Marketplace, remoteID string) (models.Payload, error)
}

// Limiter throttles outbound calls per marketplace.
type Limiter interface {
	Wait(ctx context.Context, key string, interval time.Duration) error
}

type PhotoUpload struct {
	Location    string `json:"location"`
	ContentType string `json:"content_type"`
	Position    int    `json:"position"`
}

type ListingDraft struct {
	Title      string         `json:"title"`
	PriceCents int64          `json:"price_cents"`
	PhotoIDs   []string       `json:"photo_ids"`
	Attributes models.Payload `json:"attributes,omitempty"`
}

type RemoteListing struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RemoteItem is one inventory entry as the marketplace reports it.
type RemoteItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PriceCents int64  `json:"price_cents"`
	Status     string `json:"status"`
}

type InventoryPage struct {
	Items   []RemoteItem `json:"items"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marketplace gateway status %d: %s", e.Code, e.Body)
}

// HTTPClient calls the gateway over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    Limiter
}

func NewHTTPClient(cfg config.Config, limiter Limiter) *HTTPClient {
	timeout := cfg.MarketplaceTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.MarketplaceGatewayURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

func (c *HTTPClient) UploadPhoto(ctx context.Context, mp models.Marketplace, photo PhotoUpload) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, mp, http.MethodPost, "/photos", photo, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateListing(ctx context.Context, mp models.Marketplace, draft ListingDraft) (RemoteListing, error) {
	var out RemoteListing
	err := c.do(ctx, mp, http.MethodPost, "/listings", draft, &out)
	return out, err
}

func (c *HTTPClient) UpdateListing(ctx context.Context, mp models.Marketplace, remoteID string, patch models.Payload) error {
	return c.do(ctx, mp, http.MethodPatch, "/listings/"+url.PathEscape(remoteID), patch, nil)
}

func (c *HTTPClient) ListInventory(ctx context.Context, mp models.Marketplace, page, perPage int) (InventoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	var out InventoryPage
	err := c.do(ctx, mp, http.MethodGet, "/inventory?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) ListingDetails(ctx context.Context, mp models.Marketplace, remoteID string) (models.Payload, error) {
	var out models.Payload
	err := c.do(ctx, mp, http.MethodGet, "/listings/"+url.PathEscape(remoteID), nil, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, mp models.Marketplace, method, path string, body, out any) error {
	if !mp.Valid() {
		return models.Permanent(fmt.Errorf("unknown marketplace %q: %w", mp, models.ErrInvalidInput))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "marketplace:"+string(mp), 100*time.Millisecond); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/"+string(mp)+path, reader)
	if err != nil {
		return models.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classify(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return models.Transient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(err *StatusError) error {
	switch {
	case err.Code == http.StatusTooManyRequests || err.Code >= 500:
		return models.Transient(err)
	case err.Code == http.StatusNotFound:
		return models.Permanent(fmt.Errorf("%w: %w", models.ErrNotFound, err))
	default:
		return models.Permanent(err)
	}
}
