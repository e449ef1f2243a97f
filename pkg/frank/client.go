package frank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/wattsync/wattsync/pkg/log"
	"github.com/wattsync/wattsync/pkg/types"
)

const usagePath = "v2/private/usage/electricity/aggregatedSiteUsage/hourly"

// gateway identification headers the data API requires on every request
var usageHeaders = map[string]string{
	"brand-id":            "GEOL",
	"platform":            "Android",
	"mobile-build-number": "1",
}

// Client fetches hourly electricity usage from the Frank Energy mobile API
// for a trailing window ending today. Fetch failures never propagate; they
// yield an empty result and a log entry, and the next cycle retries.
type Client struct {
	auth        *Auth
	client      *http.Client
	dataBaseURL string
	window      time.Duration
}

// NewClient builds a Client around an authenticated session. The window is
// the trailing span of usage fetched each cycle, both end dates inclusive.
func NewClient(auth *Auth, httpClient *http.Client, dataBaseURL string, window time.Duration) *Client {
	return &Client{
		auth:        auth,
		client:      httpClient,
		dataBaseURL: dataBaseURL,
		window:      window,
	}
}

// Login performs a full login on the underlying session. Used at startup so
// bad credentials fail fast instead of on the first poll.
func (c *Client) Login(ctx context.Context) error {
	return c.auth.PerformLogin(ctx)
}

type usageEntry struct {
	StartDate string  `json:"startDate"`
	KW        float64 `json:"kw"`
	CostNZD   float64 `json:"costNZD"`
}

type usageResponse struct {
	Usage []usageEntry `json:"usage"`
}

// GetUsage fetches the trailing window of hourly usage. It returns an error
// only for authentication failures; a failed or empty fetch returns no
// records.
func (c *Client) GetUsage(ctx context.Context) ([]types.UsageRecord, error) {
	if err := c.auth.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	params := url.Values{}
	params.Set("startDate", now.Add(-c.window).Format("2006-01-02"))
	params.Set("endDate", now.Format("2006-01-02"))

	u, err := url.Parse(c.dataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid data base url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, usagePath)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("authorization", "Bearer "+c.auth.accessToken())
	for k, v := range usageHeaders {
		req.Header.Set(k, v)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetching usage",
		slog.String("startDate", params.Get("startDate")),
		slog.String("endDate", params.Get("endDate")),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "could not fetch usage", slog.Any("error", err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "could not fetch usage", slog.Int("status", resp.StatusCode))
		return nil, nil
	}

	var data usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode usage response", slog.Any("error", err))
		return nil, nil
	}

	if len(data.Usage) == 0 {
		// zero usage is a valid day, not an error
		log.Ctx(ctx).WarnContext(ctx, "fetched usage successfully but there was no data")
		return nil, nil
	}

	records := make([]types.UsageRecord, 0, len(data.Usage))
	for _, e := range data.Usage {
		t, err := time.Parse(time.RFC3339, e.StartDate)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse usage start date", slog.String("startDate", e.StartDate), slog.Any("error", err))
			continue
		}
		records = append(records, types.UsageRecord{
			TSStart:   t,
			EnergyKWH: e.KW,
			CostNZD:   e.CostNZD,
		})
	}

	// the provider has not documented the ordering of the usage array
	sort.Slice(records, func(i, j int) bool {
		return records[i].TSStart.Before(records[j].TSStart)
	})

	log.Ctx(ctx).DebugContext(ctx, "fetched usage", slog.Int("count", len(records)))
	return records, nil
}
