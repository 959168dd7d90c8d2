package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

// StateStore persists the exporter's progress document between runs.
type StateStore interface {
	// Read returns the previously written state. Missing, unreadable and
	// corrupt state are all reported as ok == false; Read never fails.
	Read(ctx context.Context) (state types.RunState, ok bool)

	// Write replaces the stored state as a whole.
	Write(ctx context.Context, state types.RunState) error

	// Lifecycle
	Close() error
}

// Configured sets up the StateStore based on flags.
func Configured() StateStore {
	provider := lflag.String("state-provider", "none", "State store to use (available: none, file, configmap, firestore)")
	path := lflag.String("state-file-path", "/configs/state.yaml", "Path of the state file; its base name is also the ConfigMap key")

	var p struct{ StateStore }

	cm := configuredConfigMap()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "none":
			p.StateStore = Noop{}
		case "file":
			p.StateStore = NewFileStore(*path)
		case "configmap":
			cm.key = filepath.Base(*path)
			if err := cm.Validate(); err != nil {
				panic(fmt.Sprintf("configmap validation failed: %v", err))
			}
			if err := cm.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("configmap init failed: %v", err))
			}
			p.StateStore = cm
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.StateStore = fs
		default:
			panic(fmt.Sprintf("unknown state provider: %s", *provider))
		}
	})

	return &p
}

// decodeState turns a stored document into a RunState, logging and
// swallowing anything that cannot be interpreted.
func decodeState(ctx context.Context, data []byte, location string) (types.RunState, bool) {
	s, err := types.UnmarshalRunState(data)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"ignoring unreadable run state",
			slog.String("location", location),
			slog.Any("error", err),
		)
		return types.RunState{}, false
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"read run state",
		slog.String("location", location),
		slog.Time("cursor", s.Cursor),
		slog.Int("cachedFutureRecords", len(s.CachedFutureRecords)),
	)
	return s, true
}

// Noop is a StateStore that never has state and discards writes. It is used
// when state tracking is disabled.
type Noop struct{}

var _ StateStore = Noop{}

func (Noop) Read(context.Context) (types.RunState, bool) { return types.RunState{}, false }
func (Noop) Write(context.Context, types.RunState) error { return nil }
func (Noop) Close() error                                { return nil }
