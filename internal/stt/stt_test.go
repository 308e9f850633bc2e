package stt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClass(t *testing.T) {
	assert.Equal(t, "transient", Class(fmt.Errorf("post: %w", ErrTransient)))
	assert.Equal(t, "permanent", Class(ErrPermanent))
	assert.Equal(t, "unavailable", Class(ErrUnavailable))
	assert.Equal(t, "unknown", Class(errors.New("boom")))
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationID(context.Background()))
	assert.Equal(t, "abc", CorrelationID(WithCorrelationID(context.Background(), "abc")))
}
