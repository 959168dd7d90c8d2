package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

// Postgres implements Sink on a plain Postgres (or TimescaleDB) table.
type Postgres struct {
	pool       *pgxpool.Pool
	connString string
	table      string
}

// configuredPostgres sets up the Postgres sink.
// It registers flags for configuration.
func configuredPostgres() *Postgres {
	connString := lflag.String("postgres-url", "", "Postgres connection string for the postgres sink")
	table := lflag.String("postgres-table", "spot_prices", "Postgres table to export prices to")

	p := &Postgres{}

	lflag.Do(func() {
		p.connString = *connString
		p.table = *table
	})

	return p
}

// NewPostgres returns a Postgres sink on an existing pool.
func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	return &Postgres{pool: pool, table: table}
}

// Validate checks if the sink is properly configured.
func (p *Postgres) Validate() error {
	if p.connString == "" {
		return fmt.Errorf("postgres-url is required")
	}
	if p.table == "" {
		return fmt.Errorf("postgres-table is required")
	}
	if _, err := pgxpool.ParseConfig(p.connString); err != nil {
		return fmt.Errorf("invalid postgres-url: %w", err)
	}
	return nil
}

// Init creates the connection pool.
func (p *Postgres) Init(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.connString)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	p.pool = pool
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"id" TEXT NOT NULL,
	"source" TEXT NOT NULL,
	"from" TIMESTAMPTZ NOT NULL,
	"till" TIMESTAMPTZ NOT NULL,
	"marketPrice" DOUBLE PRECISION NOT NULL,
	"marketPriceTax" DOUBLE PRECISION NOT NULL,
	"sourcingMarkupPrice" DOUBLE PRECISION NOT NULL,
	"energyTaxPrice" DOUBLE PRECISION NOT NULL
)`, pgx.Identifier{p.table}.Sanitize())
}

func (p *Postgres) createIndexSQL() string {
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s ("from")`,
		pgx.Identifier{p.table + "_from_idx"}.Sanitize(),
		pgx.Identifier{p.table}.Sanitize(),
	)
}

func (p *Postgres) insertSQL() string {
	return fmt.Sprintf(
		`INSERT INTO %s ("id", "source", "from", "till", "marketPrice", "marketPriceTax", "sourcingMarkupPrice", "energyTaxPrice") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pgx.Identifier{p.table}.Sanitize(),
	)
}

// EnsureSchema creates the table and its index on "from" if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, p.createTableSQL()); err != nil {
		return classifyPgError(fmt.Errorf("failed to create postgres table %s: %w", p.table, err))
	}
	if _, err := p.pool.Exec(ctx, p.createIndexSQL()); err != nil {
		return classifyPgError(fmt.Errorf("failed to create index on postgres table %s: %w", p.table, err))
	}
	log.Ctx(ctx).DebugContext(ctx, "postgres table ready", slog.String("table", p.table))
	return nil
}

// Insert appends one row.
func (p *Postgres) Insert(ctx context.Context, price types.SpotPrice) error {
	_, err := p.pool.Exec(
		ctx,
		p.insertSQL(),
		price.ID,
		price.Source,
		price.From,
		price.Till,
		price.MarketPrice,
		price.MarketPriceTax,
		price.SourcingMarkupPrice,
		price.EnergyTaxPrice,
	)
	if err != nil {
		return classifyPgError(fmt.Errorf("failed to insert into postgres table %s: %w", p.table, err))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"inserted spot price into postgres",
		slog.String("table", p.table),
		slog.String("id", price.ID),
		slog.Time("from", price.From),
	)
	return nil
}

// classifyPgError marks connection, resource and serialization failures
// transient. Any other server error (bad schema, constraint, syntax) is fatal.
func classifyPgError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"),  // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			pgErr.Code == "40001",                // serialization failure
			pgErr.Code == "40P01":                // deadlock detected
			return types.Transient(err)
		default:
			return types.Fatal(err)
		}
	}
	return types.Transient(err)
}
