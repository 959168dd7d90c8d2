package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreStateCollection = "exporter_state"

// FirestoreStore keeps the state document in a single Firestore document.
// The YAML document is stored as a string next to the cursor so the cursor
// can be inspected from the console.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
	docID     string
}

var _ StateStore = (*FirestoreStore)(nil)

// configuredFirestore sets up the Firestore store.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	docID := lflag.String("firestore-state-doc", "spotexporter", "Firestore document ID holding the run state")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.docID = *docID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the store is properly configured.
func (f *FirestoreStore) Validate() error {
	// project ID may be empty, it is then detected from the environment
	if f.docID == "" {
		return fmt.Errorf("firestore-state-doc is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) doc() *firestore.DocumentRef {
	return f.client.Collection(firestoreStateCollection).Doc(f.docID)
}

// Read retrieves the state document.
func (f *FirestoreStore) Read(ctx context.Context) (types.RunState, bool) {
	location := firestoreStateCollection + "/" + f.docID
	doc, err := f.doc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			log.Ctx(ctx).InfoContext(ctx, "no run state document", slog.String("location", location))
		} else {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch run state doc", slog.String("location", location), slog.Any("error", err))
		}
		return types.RunState{}, false
	}

	val, err := doc.DataAt("yaml")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "run state doc missing yaml", slog.String("location", location), slog.Any("error", err))
		return types.RunState{}, false
	}
	yamlStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "run state doc yaml not string", slog.String("location", location))
		return types.RunState{}, false
	}
	return decodeState(ctx, []byte(yamlStr), location)
}

// Write replaces the state document.
func (f *FirestoreStore) Write(ctx context.Context, state types.RunState) error {
	data, err := types.MarshalRunState(state)
	if err != nil {
		return err
	}
	_, err = f.doc().Set(ctx, map[string]interface{}{
		"yaml":      string(data),
		"cursor":    state.Cursor,
		"updatedAt": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "stored run state in firestore", slog.String("docID", f.docID), slog.Time("cursor", state.Cursor))
	return nil
}
