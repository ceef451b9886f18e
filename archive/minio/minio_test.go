package minio

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execmesh/archive"
)

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Endpoint: "localhost:9000"}.Validate())
	assert.NoError(t, Config{Endpoint: "localhost:9000", Bucket: "transcripts"}.Validate())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "executions/exec-1/transcript.jsonl", ObjectKey("", "exec-1"))
	assert.Equal(t, "prod/executions/exec-1/transcript.jsonl", ObjectKey("prod", "exec-1"))
}

func TestMapErr(t *testing.T) {
	err := mapErr("exec-1", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.ErrorIs(t, err, archive.ErrNotFound)

	err = mapErr("exec-1", errors.New("timeout"))
	assert.NotErrorIs(t, err, archive.ErrNotFound)
}

func TestNew_ClientCreation(t *testing.T) {
	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "transcripts", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "transcripts", s.bucket)

	_, err = NewWithClient(nil, "b", "")
	assert.Error(t, err)
}
