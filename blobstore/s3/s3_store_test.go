package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPrefixing(t *testing.T) {
	s := &Store{bucket: "bucket", prefix: "bundles/prod"}
	assert.Equal(t, "bundles/prod/branch-a.bundle", s.key("branch-a.bundle"))

	s = &Store{bucket: "bucket"}
	assert.Equal(t, "branch-a.bundle", s.key("branch-a.bundle"))
}

func TestDefaultUploadConfig(t *testing.T) {
	cfg := DefaultUploadConfig()
	require.Equal(t, int64(8*1024*1024), cfg.PartSize)
	require.Equal(t, 5, cfg.Concurrency)
}
