package types

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrCorruptState is returned when a persisted state document cannot be
// interpreted.
var ErrCorruptState = errors.New("corrupt run state")

// RunState is the progress document persisted between runs.
type RunState struct {
	// Cursor is the window start of the most recently exported record.
	Cursor time.Time `json:"cursor" yaml:"cursor"`

	// CachedFutureRecords are the fetched records whose window had not ended
	// when the run that produced this state started.
	CachedFutureRecords []SpotPrice `json:"cachedFutureRecords" yaml:"cachedFutureRecords"`
}

// Admits reports whether p still needs to be exported given the previous
// state. A nil state admits everything.
func (s *RunState) Admits(p SpotPrice) bool {
	if s == nil {
		return true
	}
	return p.From.After(s.Cursor)
}

// runStateDocument is the on-disk shape. The legacy keys are what earlier
// deployments wrote and are only read.
type runStateDocument struct {
	Cursor              time.Time   `yaml:"cursor"`
	CachedFutureRecords []SpotPrice `yaml:"cachedFutureRecords"`

	LastFrom         time.Time   `yaml:"lastFrom,omitempty"`
	FutureSpotPrices []SpotPrice `yaml:"futureSpotPrices,omitempty"`
}

// MarshalRunState encodes the state as a YAML document.
func MarshalRunState(s RunState) ([]byte, error) {
	records := s.CachedFutureRecords
	if records == nil {
		records = []SpotPrice{}
	}
	b, err := yaml.Marshal(runStateDocument{
		Cursor:              s.Cursor.UTC(),
		CachedFutureRecords: records,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run state: %w", err)
	}
	return b, nil
}

// UnmarshalRunState decodes a YAML state document. Any document without a
// usable cursor is reported as ErrCorruptState.
func UnmarshalRunState(data []byte) (RunState, error) {
	var doc runStateDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RunState{}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}

	s := RunState{
		Cursor:              doc.Cursor,
		CachedFutureRecords: doc.CachedFutureRecords,
	}
	if s.Cursor.IsZero() {
		s.Cursor = doc.LastFrom
		s.CachedFutureRecords = doc.FutureSpotPrices
	}
	if s.Cursor.IsZero() {
		return RunState{}, fmt.Errorf("%w: missing cursor", ErrCorruptState)
	}
	return s, nil
}
