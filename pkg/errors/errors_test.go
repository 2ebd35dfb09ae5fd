package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindInsufficientData, "only %d days", 10)
	assert.Equal(t, KindInsufficientData, KindOf(err))
	assert.True(t, Is(err, KindInsufficientData))
	assert.False(t, Is(err, KindInternal))

	plain := stderrors.New("boom")
	assert.Equal(t, KindInternal, KindOf(plain))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(KindDatabaseConnection, cause, "fetch window")

	assert.True(t, Is(err, KindDatabaseConnection))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindNotFound, "no artifact")
	outer := fmt.Errorf("loading model: %w", inner)
	assert.True(t, Is(outer, KindNotFound))
}

func TestTrainingCarriesComponent(t *testing.T) {
	err := Training("autoregressive", nil, "no order converged")
	assert.Equal(t, KindModelTraining, KindOf(err))
	assert.Equal(t, "autoregressive", ComponentOf(err))
	assert.Contains(t, err.Error(), "[autoregressive]")
}
