package filament

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CatalogEntry is one filament product from an external catalog.
type CatalogEntry struct {
	Brand       string  `json:"brand"`
	ProductName string  `json:"product_name"`
	Material    string  `json:"material"`
	ColorName   string  `json:"color_name"`
	ColorHex    string  `json:"color_hex"`
	CostPerGram float64 `json:"cost_per_gram"`
}

// Catalog resolves material+color lookups against an external catalog
// provider. A nil Catalog (no CATALOG_URL configured) disables the
// lookup step during reconciliation.
type Catalog struct {
	baseURL string
	client  *http.Client
}

// NewCatalog returns nil for an empty URL.
func NewCatalog(baseURL string) *Catalog {
	if baseURL == "" {
		return nil
	}
	return &Catalog{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup queries the catalog for a material + hex pair. A miss returns
// (nil, nil); only transport and protocol problems error.
func (c *Catalog) Lookup(ctx context.Context, material, colorHex string) (*CatalogEntry, error) {
	if c == nil {
		return nil, nil
	}
	q := url.Values{}
	q.Set("material", material)
	q.Set("hex", colorHex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/filaments/match?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog lookup failed: status %d", resp.StatusCode)
	}

	var entry CatalogEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("catalog response malformed: %w", err)
	}
	if entry.Material == "" && entry.ColorHex == "" {
		return nil, nil
	}
	return &entry, nil
}
