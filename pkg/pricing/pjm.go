package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/common"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

// PJM publishes in Eastern Time
var etLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Errorf("failed to load eastern time location: %w", err))
	}
	return loc
}()

// ComEd zone pricing node
const defaultPJMPNodeID = "33092371"

// PJMConfig holds the settings for PJM Data Miner 2.
type PJMConfig struct {
	APIURL  string
	APIKey  string
	PNodeID string
}

// PJM implements Source using the day-ahead hourly LMPs published by PJM.
// Prices are converted from $/MWh to $/kWh and carry no tax.
type PJM struct {
	cfg    PJMConfig
	client *http.Client
	now    func() time.Time
}

// NewPJM returns a PJM source using the given client.
func NewPJM(cfg PJMConfig, client *http.Client) *PJM {
	return &PJM{cfg: cfg, client: client, now: time.Now}
}

// configuredPJM sets up flags for PJM and returns the instance.
func configuredPJM() *PJM {
	p := NewPJM(PJMConfig{}, common.HTTPClient(30*time.Second))
	apiURL := lflag.String("pjm-api-url", "https://api.pjm.com/api/v1/da_hrl_lmps", "URL for the PJM day-ahead LMP API")
	apiKey := lflag.String("pjm-api-key", "", "API Key for PJM Data Miner 2")
	pnodeID := lflag.String("pjm-pnode-id", defaultPJMPNodeID, "PJM pricing node to read prices for")

	lflag.Do(func() {
		p.cfg = PJMConfig{
			APIURL:  *apiURL,
			APIKey:  *apiKey,
			PNodeID: *pnodeID,
		}
	})

	return p
}

// Validate ensures the configuration is valid.
func (p *PJM) Validate() error {
	if p.cfg.APIURL == "" {
		return fmt.Errorf("pjm-api-url is required")
	}
	if _, err := url.Parse(p.cfg.APIURL); err != nil {
		return fmt.Errorf("failed to parse pjm url (%s): %w", p.cfg.APIURL, err)
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("pjm-api-key is required")
	}
	if p.cfg.PNodeID == "" {
		return fmt.Errorf("pjm-pnode-id is required")
	}
	return nil
}

// pjmItem is one hourly LMP row. The EPT wall clock repeats an hour on the
// fall-back day so only the UTC field identifies the window.
type pjmItem struct {
	DatetimeBeginningUTC string  `json:"datetime_beginning_utc"`
	DatetimeBeginningEPT string  `json:"datetime_beginning_ept"`
	TotalLMPDA           float64 `json:"total_lmp_da"`
}

// GetSpotPrices fetches the day-ahead prices for today and tomorrow in
// Eastern Time.
func (p *PJM) GetSpotPrices(ctx context.Context) ([]types.SpotPrice, error) {
	now := p.now().In(etLocation)
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")

	u, err := url.Parse(p.cfg.APIURL)
	if err != nil {
		return nil, types.Fatal(fmt.Errorf("failed to parse pjm url (%s): %w", p.cfg.APIURL, err))
	}
	q := u.Query()
	q.Set("pnode_id", p.cfg.PNodeID)
	q.Set("datetime_beginning_ept", fmt.Sprintf("%s 00:00 to %s 23:59", today, tomorrow))
	q.Set("format", "json")
	q.Set("fields", "datetime_beginning_utc,datetime_beginning_ept,total_lmp_da")
	// download true removes the metadata and returns only the data
	q.Set("download", "true")
	q.Set("startRow", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, types.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.cfg.APIKey)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching pjm prices",
		slog.String("pnodeID", p.cfg.PNodeID),
		slog.String("today", today),
	)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("failed to fetch pjm prices: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus("pjm", resp.StatusCode); err != nil {
		return nil, err
	}

	var res []pjmItem
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, types.Fatal(fmt.Errorf("failed to decode pjm response: %w", err))
	}

	prices := make([]types.SpotPrice, 0, len(res))
	for _, item := range res {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", item.DatetimeBeginningUTC, time.UTC)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to parse pjm time",
				slog.String("utc", item.DatetimeBeginningUTC),
				slog.String("ept", item.DatetimeBeginningEPT),
				slog.Any("error", err),
			)
			continue
		}
		// $/MWh to $/kWh
		prices = append(prices, types.NewSpotPrice(t.Truncate(time.Hour), item.TotalLMPDA/1000.0, 0))
	}

	// PJM does not promise any order
	sort.SliceStable(prices, func(i, j int) bool {
		return prices[i].From.Before(prices[j].From)
	})

	log.Ctx(ctx).DebugContext(ctx, "fetched pjm prices", slog.Int("count", len(prices)))
	return prices, nil
}
