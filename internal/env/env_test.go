package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("EXECMESH_TEST_STRING", "value")
	assert.Equal(t, "value", String("EXECMESH_TEST_STRING", "def"))
	assert.Equal(t, "def", String("EXECMESH_TEST_UNSET", "def"))
}

func TestTypedValues(t *testing.T) {
	t.Setenv("EXECMESH_TEST_DURATION", "3s")
	t.Setenv("EXECMESH_TEST_BOOL", "true")
	t.Setenv("EXECMESH_TEST_INT", "42")

	d, err := Duration("EXECMESH_TEST_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	b, err := Bool("EXECMESH_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	i, err := Int("EXECMESH_TEST_INT", 1)
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	i, err = Int("EXECMESH_TEST_UNSET", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, i)
}

func TestParseErrors(t *testing.T) {
	t.Setenv("EXECMESH_TEST_BAD", "nope")

	_, err := Duration("EXECMESH_TEST_BAD", 0)
	assert.ErrorContains(t, err, "EXECMESH_TEST_BAD")
	_, err = Bool("EXECMESH_TEST_BAD", false)
	assert.Error(t, err)
	_, err = Int("EXECMESH_TEST_BAD", 0)
	assert.Error(t, err)
}
