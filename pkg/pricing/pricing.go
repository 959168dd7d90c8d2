package pricing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/types"
)

// Source fetches day-ahead spot prices.
type Source interface {
	// GetSpotPrices returns the quotations for today followed by tomorrow,
	// ordered by window start. Returned records carry no identity.
	// Failures are classified with types.Transient or types.Fatal.
	GetSpotPrices(ctx context.Context) ([]types.SpotPrice, error)
}

// Configured sets up the price source based on flags.
func Configured() Source {
	provider := lflag.String("price-provider", "tibber", "Day-ahead price source (available: tibber, pjm)")

	var p struct{ Source }

	tibber := configuredTibber()
	pjm := configuredPJM()

	lflag.Do(func() {
		switch *provider {
		case "tibber":
			if err := tibber.Validate(); err != nil {
				panic(fmt.Sprintf("tibber validation failed: %v", err))
			}
			p.Source = tibber
		case "pjm":
			if err := pjm.Validate(); err != nil {
				panic(fmt.Sprintf("pjm validation failed: %v", err))
			}
			p.Source = pjm
		default:
			panic(fmt.Sprintf("unknown price provider: %s", *provider))
		}
	})

	return &p
}

// classifyStatus turns a non-200 response into an error. Server errors and
// rate limiting are transient, everything else is fatal.
func classifyStatus(api string, code int) error {
	if code == http.StatusOK {
		return nil
	}
	err := fmt.Errorf("%s api returned status: %d", api, code)
	if code >= 500 || code == http.StatusTooManyRequests {
		return types.Transient(err)
	}
	return types.Fatal(err)
}
