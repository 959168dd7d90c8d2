package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Fatal(nil))

	te := Transient(base)
	assert.True(t, IsTransient(te))
	assert.False(t, IsFatal(te))
	assert.ErrorIs(t, te, base)
	assert.Equal(t, "boom", te.Error())

	fe := Fatal(base)
	assert.True(t, IsFatal(fe))
	assert.False(t, IsTransient(fe))
	assert.ErrorIs(t, fe, base)

	wrapped := fmt.Errorf("fetching prices: %w", fe)
	assert.True(t, IsFatal(wrapped), "classification survives wrapping")

	assert.False(t, IsFatal(base))
	assert.False(t, IsTransient(base))

	se := &StorageError{Err: base}
	assert.ErrorIs(t, se, base)
	assert.Equal(t, "failed to persist run state: boom", se.Error())
}
