package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutor_Simulated(t *testing.T) {
	ex, err := NewExecutor("simulated")
	require.NoError(t, err)
	assert.NotNil(t, ex)
}

func TestNewExecutor_EmptyDefaultsToSimulated(t *testing.T) {
	ex, err := NewExecutor("")
	require.NoError(t, err)
	assert.NotNil(t, ex)
}

func TestNewExecutor_Unknown(t *testing.T) {
	_, err := NewExecutor("ffmpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown executor backend")
}
