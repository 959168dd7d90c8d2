package sink

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/types"
)

// Sink is the warehouse table spot prices are exported to.
type Sink interface {
	// EnsureSchema creates the destination table or brings its schema up to
	// date. It is safe to call on every run.
	EnsureSchema(ctx context.Context) error

	// Insert appends one record. The sink does not deduplicate.
	Insert(ctx context.Context, price types.SpotPrice) error

	// Lifecycle
	Close() error
}

// Configured sets up the Sink based on flags.
func Configured() Sink {
	provider := lflag.String("sink-provider", "bigquery", "Warehouse sink to export to (available: bigquery, postgres, none)")
	initSchema := lflag.Bool("sink-init", true, "Create or update the destination table schema on every run")

	var p struct{ Sink }

	bq := configuredBigQuery()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "bigquery":
			if err := bq.Validate(); err != nil {
				panic(fmt.Sprintf("bigquery validation failed: %v", err))
			}
			if err := bq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("bigquery init failed: %v", err))
			}
			p.Sink = bq
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
			p.Sink = pg
		case "none":
			p.Sink = Noop{}
		default:
			panic(fmt.Sprintf("unknown sink provider: %s", *provider))
		}
		if !*initSchema {
			p.Sink = WithoutSchemaInit(p.Sink)
		}
	})

	return &p
}

// Noop is a Sink that accepts everything and stores nothing. It is used when
// exporting is disabled.
type Noop struct{}

var _ Sink = Noop{}

func (Noop) EnsureSchema(context.Context) error            { return nil }
func (Noop) Insert(context.Context, types.SpotPrice) error { return nil }
func (Noop) Close() error                                  { return nil }

type withoutSchemaInit struct {
	Sink
}

func (withoutSchemaInit) EnsureSchema(context.Context) error { return nil }

// WithoutSchemaInit returns s with schema provisioning turned into a no-op,
// for deployments where the table is managed elsewhere.
func WithoutSchemaInit(s Sink) Sink {
	return withoutSchemaInit{s}
}
