package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/core"
)

func TestInMemoryStore_SaveGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	data := []byte("hello")
	require.NoError(t, s.Save(ctx, "exec-1", data))
	data[0] = 'j'

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTranscript_RoundTripKeepsOrderAndMarkers(t *testing.T) {
	zero := 0
	msgs := []core.ExecutionMessage{
		{Kind: core.MessageKindExecutionStarted, Data: "\r\nstarted\r\n", Index: core.Unindexed, TerminalMode: true},
		{Kind: core.MessageKindStdout, Data: "line\n", Index: 0, TerminalMode: true},
		{Kind: core.MessageKindExecutionRejected, Data: "quota exceeded", VirtualIndex: &zero, TerminalMode: true},
	}

	data, err := EncodeTranscript(msgs)
	require.NoError(t, err)

	got, err := DecodeTranscript(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, core.Unindexed, got[0].Index)
	assert.Equal(t, "\r\nstarted\r\n", got[0].Data)
	require.NotNil(t, got[2].VirtualIndex)
	assert.Equal(t, 0, *got[2].VirtualIndex)
}

func TestDecodeTranscript_Invalid(t *testing.T) {
	_, err := DecodeTranscript([]byte("{\"kind\":\"stdout\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}
