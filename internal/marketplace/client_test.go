package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.Config{MarketplaceGatewayURL: srv.URL + "/", MarketplaceTimeout: time.Second}, nil)
}

func TestCreateListingSendsDraft(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/vinted/listings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var draft ListingDraft
		_ = json.NewDecoder(r.Body).Decode(&draft)
		if draft.Title != "Denim jacket" || len(draft.PhotoIDs) != 2 {
			t.Errorf("unexpected draft %+v", draft)
		}
		_ = json.NewEncoder(w).Encode(RemoteListing{ID: "v-123", URL: "https://vinted.example/v-123"})
	})

	got, err := c.CreateListing(context.Background(), models.Vinted, ListingDraft{
		Title: "Denim jacket", PriceCents: 2500, PhotoIDs: []string{"p1", "p2"},
	})
	if err != nil || got.ID != "v-123" {
		t.Fatalf("create: %+v %v", got, err)
	}
}

func TestListInventoryQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "3" || r.URL.Query().Get("per_page") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"e-1","title":"Lamp","price_cents":900,"status":"active"}],"total":101,"has_more":true}`))
	})
	page, err := c.ListInventory(context.Background(), models.Ebay, 3, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Total == nil || *page.Total != 101 || !page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
		notFound  bool
	}{
		{http.StatusTooManyRequests, false, false},
		{http.StatusServiceUnavailable, false, false},
		{http.StatusBadRequest, true, false},
		{http.StatusNotFound, true, true},
	}
	for _, tc := range cases {
		code := tc.code
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		})
		err := c.UpdateListing(context.Background(), models.Etsy, "x", models.Payload{"price_cents": 1})
		if err == nil {
			t.Fatalf("%d: expected error", code)
		}
		if models.IsPermanent(err) != tc.permanent {
			t.Fatalf("%d: permanent=%v want %v (%v)", code, models.IsPermanent(err), tc.permanent, err)
		}
		if errors.Is(err, models.ErrNotFound) != tc.notFound {
			t.Fatalf("%d: not-found mismatch: %v", code, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != code {
			t.Fatalf("%d: status error not preserved: %v", code, err)
		}
	}
}

func TestUnknownMarketplaceIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})
	_, err := c.UploadPhoto(context.Background(), models.Marketplace("depop"), PhotoUpload{Location: "x"})
	if !models.IsPermanent(err) || !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected permanent invalid input, got %v", err)
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewHTTPClient(config.Config{MarketplaceGatewayURL: srv.URL, MarketplaceTimeout: time.Second}, nil)
	_, err := c.ListingDetails(context.Background(), models.Vinted, "v-1")
	if err == nil || models.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
