package errtypes

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidArgument(t *testing.T) {
	err := fmt.Errorf("generate: %w", InvalidArgument("width", "%d is not a multiple of %d", 100, 32))

	var iae *InvalidArgumentError
	require.True(t, errors.As(err, &iae))
	assert.Equal(t, "width", iae.Arg)
	assert.Equal(t, "generate: invalid width: 100 is not a multiple of 32", err.Error())
}

func TestUnsupported(t *testing.T) {
	err := &UnsupportedError{Kind: "dtype", Value: "int8"}
	assert.Equal(t, `unsupported dtype "int8"`, err.Error())
}

func TestModelLoad(t *testing.T) {
	err := error(&ModelLoadError{Component: "vae", Err: os.ErrNotExist})
	assert.Equal(t, "failed to load vae: file does not exist", err.Error())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
