package httpclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllWithLimitWithinLimit(t *testing.T) {
	t.Parallel()

	data, err := ReadAllWithLimit(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadAllWithLimitExceeded(t *testing.T) {
	t.Parallel()

	_, err := ReadAllWithLimit(strings.NewReader("hello world"), 5)
	require.Error(t, err)
	assert.True(t, IsResponseTooLarge(err))
}

func TestReadAllWithLimitZeroMeansUnbounded(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("x", 1<<16)
	data, err := ReadAllWithLimit(strings.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Len(t, data, 1<<16)
}
