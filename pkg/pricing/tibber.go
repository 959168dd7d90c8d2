package pricing

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
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/common"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

const tibberPriceQuery = `{
  viewer {
    homes {
      id
      currentSubscription {
        priceInfo {
          today { energy tax currency startsAt }
          tomorrow { energy tax currency startsAt }
        }
      }
    }
  }
}`

// TibberConfig holds the settings for the Tibber GraphQL API.
type TibberConfig struct {
	APIURL      string
	AccessToken string
	// HomeID selects a home on accounts with several. The first home is used
	// when empty.
	HomeID string
}

// Tibber implements Source using the Tibber GraphQL API.
type Tibber struct {
	cfg    TibberConfig
	client *http.Client
}

// NewTibber returns a Tibber source using the given client.
func NewTibber(cfg TibberConfig, client *http.Client) *Tibber {
	return &Tibber{cfg: cfg, client: client}
}

// configuredTibber sets up flags for Tibber and returns the instance.
func configuredTibber() *Tibber {
	t := &Tibber{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("tibber-api-url", "https://api.tibber.com/v1-beta/gql", "URL for the Tibber GraphQL API")
	token := lflag.String("tibber-access-token", "", "Access token for the Tibber API")
	homeID := lflag.String("tibber-home-id", "", "Tibber home ID to read prices for (defaults to the first home)")

	lflag.Do(func() {
		t.cfg = TibberConfig{
			APIURL:      *apiURL,
			AccessToken: *token,
			HomeID:      *homeID,
		}
	})

	return t
}

// Validate ensures the configuration is valid.
func (t *Tibber) Validate() error {
	if t.cfg.APIURL == "" {
		return fmt.Errorf("tibber-api-url is required")
	}
	if _, err := url.Parse(t.cfg.APIURL); err != nil {
		return fmt.Errorf("failed to parse tibber url (%s): %w", t.cfg.APIURL, err)
	}
	if t.cfg.AccessToken == "" {
		return fmt.Errorf("tibber-access-token is required")
	}
	return nil
}

type tibberQuote struct {
	Energy   float64   `json:"energy"`
	Tax      float64   `json:"tax"`
	Currency string    `json:"currency"`
	StartsAt time.Time `json:"startsAt"`
}

type tibberPriceInfo struct {
	Today    []tibberQuote `json:"today"`
	Tomorrow []tibberQuote `json:"tomorrow"`
}

type tibberHome struct {
	ID                  string `json:"id"`
	CurrentSubscription *struct {
		PriceInfo *tibberPriceInfo `json:"priceInfo"`
	} `json:"currentSubscription"`
}

type tibberResponse struct {
	Data *struct {
		Viewer struct {
			Homes []tibberHome `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetSpotPrices fetches today's and tomorrow's hourly prices.
func (t *Tibber) GetSpotPrices(ctx context.Context) ([]types.SpotPrice, error) {
	info, err := t.fetchPriceInfo(ctx)
	if err != nil {
		return nil, err
	}

	prices := make([]types.SpotPrice, 0, len(info.Today)+len(info.Tomorrow))
	var currency string
	for _, q := range info.Today {
		prices = append(prices, types.NewSpotPrice(q.StartsAt, q.Energy, q.Tax))
		currency = q.Currency
	}
	for _, q := range info.Tomorrow {
		prices = append(prices, types.NewSpotPrice(q.StartsAt, q.Energy, q.Tax))
		currency = q.Currency
	}

	// the API already orders each day but we promise it across both
	sort.SliceStable(prices, func(i, j int) bool {
		return prices[i].From.Before(prices[j].From)
	})

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched tibber prices",
		slog.Int("today", len(info.Today)),
		slog.Int("tomorrow", len(info.Tomorrow)),
		slog.String("currency", currency),
	)
	return prices, nil
}

func (t *Tibber) fetchPriceInfo(ctx context.Context) (*tibberPriceInfo, error) {
	body, err := json.Marshal(map[string]string{"query": tibberPriceQuery})
	if err != nil {
		return nil, types.Fatal(fmt.Errorf("failed to marshal tibber query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching prices from tibber", slog.String("url", t.cfg.APIURL))
	resp, err := t.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch tibber prices", slog.Any("error", err))
		return nil, types.Transient(fmt.Errorf("failed to fetch prices: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Transient(fmt.Errorf("failed to read tibber response: %w", err))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"tibber response",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(respBody)),
	)

	if err := classifyStatus("tibber", resp.StatusCode); err != nil {
		return nil, err
	}

	var res tibberResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode tibber response", slog.Any("error", err))
		return nil, types.Fatal(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(res.Errors) > 0 {
		msgs := make([]error, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, errors.New(e.Message))
		}
		return nil, types.Fatal(fmt.Errorf("tibber api returned errors: %w", errors.Join(msgs...)))
	}
	if res.Data == nil {
		return nil, types.Fatal(fmt.Errorf("tibber response missing data"))
	}

	home, err := t.selectHome(res.Data.Viewer.Homes)
	if err != nil {
		return nil, types.Fatal(err)
	}
	if home.CurrentSubscription == nil || home.CurrentSubscription.PriceInfo == nil {
		return nil, types.Fatal(fmt.Errorf("tibber home %s has no active subscription", home.ID))
	}
	return home.CurrentSubscription.PriceInfo, nil
}

func (t *Tibber) selectHome(homes []tibberHome) (tibberHome, error) {
	if len(homes) == 0 {
		return tibberHome{}, fmt.Errorf("tibber account has no homes")
	}
	if t.cfg.HomeID == "" {
		return homes[0], nil
	}
	for _, h := range homes {
		if h.ID == t.cfg.HomeID {
			return h, nil
		}
	}
	return tibberHome{}, fmt.Errorf("tibber home not found: %s", t.cfg.HomeID)
}
