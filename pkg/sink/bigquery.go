package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultCredentialsFile = "/secrets/keyfile.json"

// spotPriceSchema is the warehouse table layout. Column names are part of
// the external contract and must not change.
var spotPriceSchema = bigquery.Schema{
	{Name: "id", Type: bigquery.StringFieldType},
	{Name: "source", Type: bigquery.StringFieldType},
	{Name: "from", Type: bigquery.TimestampFieldType},
	{Name: "till", Type: bigquery.TimestampFieldType},
	{Name: "marketPrice", Type: bigquery.FloatFieldType},
	{Name: "marketPriceTax", Type: bigquery.FloatFieldType},
	{Name: "sourcingMarkupPrice", Type: bigquery.FloatFieldType},
	{Name: "energyTaxPrice", Type: bigquery.FloatFieldType},
}

// BigQuery implements Sink on a day-partitioned BigQuery table.
type BigQuery struct {
	client          *bigquery.Client
	projectID       string
	dataset         string
	table           string
	credentialsFile string

	readyPollInterval time.Duration
	readyMaxPolls     int
}

// configuredBigQuery sets up the BigQuery sink.
// It registers flags for configuration.
func configuredBigQuery() *BigQuery {
	projectID := lflag.String("bigquery-project-id", "", "Google Cloud Project ID for BigQuery")
	dataset := lflag.String("bigquery-dataset", "", "BigQuery dataset holding the price table")
	table := lflag.String("bigquery-table", "", "BigQuery table to export prices to")
	credentialsFile := lflag.String("bigquery-credentials-file", defaultCredentialsFile, "Service account key file (application default credentials are used if missing)")

	b := &BigQuery{
		readyPollInterval: time.Second,
		readyMaxPolls:     60,
	}

	lflag.Do(func() {
		b.projectID = *projectID
		b.dataset = *dataset
		b.table = *table
		b.credentialsFile = *credentialsFile
	})

	return b
}

// Validate checks if the sink is properly configured.
func (b *BigQuery) Validate() error {
	if b.projectID == "" {
		return fmt.Errorf("bigquery-project-id is required")
	}
	if b.dataset == "" {
		return fmt.Errorf("bigquery-dataset is required")
	}
	if b.table == "" {
		return fmt.Errorf("bigquery-table is required")
	}
	return nil
}

// Init initializes the BigQuery client.
// This must be called before using the sink methods.
func (b *BigQuery) Init(ctx context.Context) error {
	var opts []option.ClientOption
	if b.credentialsFile != "" {
		if _, err := os.Stat(b.credentialsFile); err == nil {
			opts = append(opts, option.WithCredentialsFile(b.credentialsFile))
		} else {
			log.Ctx(ctx).DebugContext(
				ctx,
				"bigquery credentials file not found, using application default credentials",
				slog.String("path", b.credentialsFile),
			)
		}
	}
	client, err := bigquery.NewClient(ctx, b.projectID, opts...)
	if err != nil {
		return fmt.Errorf("failed to create bigquery client (project=%s): %w", b.projectID, err)
	}
	b.client = client
	return nil
}

// Close closes the BigQuery client connection.
func (b *BigQuery) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *BigQuery) tableRef() *bigquery.Table {
	return b.client.Dataset(b.dataset).Table(b.table)
}

// EnsureSchema creates the table if it doesn't exist and otherwise updates
// its schema when it differs.
func (b *BigQuery) EnsureSchema(ctx context.Context) error {
	t := b.tableRef()
	meta, err := t.Metadata(ctx)
	if err != nil {
		if !isGoogleAPICode(err, http.StatusNotFound) {
			return classifyGoogleError(fmt.Errorf("failed to get bigquery table %s: %w", b.table, err))
		}
		return b.createTable(ctx, t)
	}

	if schemaMatches(meta.Schema, spotPriceSchema) {
		log.Ctx(ctx).DebugContext(ctx, "bigquery table schema up to date", slog.String("table", b.table))
		return nil
	}

	_, err = t.Update(ctx, bigquery.TableMetadataToUpdate{Schema: spotPriceSchema}, meta.ETag)
	if err != nil {
		return classifyGoogleError(fmt.Errorf("failed to update schema of bigquery table %s: %w", b.table, err))
	}
	log.Ctx(ctx).InfoContext(ctx, "updated bigquery table schema", slog.String("table", b.table))
	return nil
}

func (b *BigQuery) createTable(ctx context.Context, t *bigquery.Table) error {
	err := t.Create(ctx, &bigquery.TableMetadata{
		Schema: spotPriceSchema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "from",
		},
	})
	// somebody else may have created it in between
	if err != nil && !isGoogleAPICode(err, http.StatusConflict) {
		return classifyGoogleError(fmt.Errorf("failed to create bigquery table %s: %w", b.table, err))
	}

	// the table isn't always visible to inserts right after creation
	for i := 0; ; i++ {
		if _, err := t.Metadata(ctx); err == nil {
			break
		} else if i >= b.readyMaxPolls {
			return types.Transient(fmt.Errorf("bigquery table %s not ready: %w", b.table, err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.readyPollInterval):
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "created bigquery table", slog.String("table", b.table))
	return nil
}

// Insert streams a single row into the table. The record ID doubles as the
// insert ID so a retried insert of the same row is deduplicated on a best
// effort basis.
func (b *BigQuery) Insert(ctx context.Context, price types.SpotPrice) error {
	if err := b.tableRef().Inserter().Put(ctx, spotPriceRow(price)); err != nil {
		var putErr bigquery.PutMultiError
		if errors.As(err, &putErr) {
			return types.Fatal(fmt.Errorf("bigquery rejected row %s: %w", price.ID, err))
		}
		return classifyGoogleError(fmt.Errorf("failed to insert into bigquery table %s: %w", b.table, err))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"inserted spot price into bigquery",
		slog.String("table", b.table),
		slog.String("id", price.ID),
		slog.Time("from", price.From),
	)
	return nil
}

// spotPriceRow adapts a SpotPrice to bigquery.ValueSaver.
type spotPriceRow types.SpotPrice

func (r spotPriceRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"id":                  r.ID,
		"source":              r.Source,
		"from":                r.From,
		"till":                r.Till,
		"marketPrice":         r.MarketPrice,
		"marketPriceTax":      r.MarketPriceTax,
		"sourcingMarkupPrice": r.SourcingMarkupPrice,
		"energyTaxPrice":      r.EnergyTaxPrice,
	}, r.ID, nil
}

func schemaMatches(have, want bigquery.Schema) bool {
	if len(have) != len(want) {
		return false
	}
	for i := range want {
		if have[i].Name != want[i].Name || have[i].Type != want[i].Type {
			return false
		}
	}
	return true
}

func isGoogleAPICode(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// classifyGoogleError marks server side and throttling failures transient and
// every other API error fatal. Errors without an API status are assumed to be
// network failures.
func classifyGoogleError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests {
			return types.Transient(err)
		}
		return types.Fatal(err)
	}
	return types.Transient(err)
}
