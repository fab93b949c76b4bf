package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoRecords is returned when a feed response has no "records" key.
var ErrNoRecords = errors.New("provider response has no records")

// Record is one raw feed record with its keys lower-cased.
type Record map[string]any

// Client fetches the station metadata and real-time readings feeds.
type Client struct {
	apiKey      string
	stationsURL string
	readingsURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a feed client. Every request is bounded by timeout.
func NewClient(apiKey, stationsURL, readingsURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiKey:      apiKey,
		stationsURL: stationsURL,
		readingsURL: readingsURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchStations returns the station metadata records.
func (c *Client) FetchStations(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, c.stationsURL, "stations")
}

// FetchReadings returns the real-time reading records.
func (c *Client) FetchReadings(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, c.readingsURL, "readings")
}

func (c *Client) fetch(ctx context.Context, endpoint, feed string) ([]Record, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", feed, err)
	}
	params := u.Query()
	params.Set("api_key", c.apiKey)
	params.Set("limit", "1000")
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", feed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s feed error: status %d: %s", feed, resp.StatusCode, bytes.TrimSpace(body))
	}

	records, err := decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", feed, err)
	}

	c.logger.Debug("feed fetched", "feed", feed, "records", len(records), "duration", time.Since(start))
	return records, nil
}

func decode(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var body map[string]json.RawMessage
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	raw, ok := lookupRecords(body)
	if !ok {
		return nil, ErrNoRecords
	}

	var items []map[string]any
	inner := json.NewDecoder(bytes.NewReader(raw))
	inner.UseNumber()
	if err := inner.Decode(&items); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec := make(Record, len(item))
		for k, v := range item {
			rec[strings.ToLower(k)] = v
		}
		records = append(records, rec)
	}
	return records, nil
}

func lookupRecords(body map[string]json.RawMessage) (json.RawMessage, bool) {
	for k, v := range body {
		if strings.EqualFold(k, "records") {
			return v, true
		}
	}
	return nil, false
}
