package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineCachePathUnderTempDir(t *testing.T) {
	path := PipelineCachePath()
	assert.Equal(t, os.TempDir(), filepath.Dir(path))
	assert.Equal(t, pipelineCacheFileName, filepath.Base(path))
}

func TestLoadPipelineCacheDataMissingFileReturnsNilNil(t *testing.T) {
	data, err := LoadPipelineCacheData(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLoadPipelineCacheDataReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline_cache")
	want := []byte{1, 2, 3, 4}
	require.NoError(t, os.WriteFile(path, want, 0o644))

	data, err := LoadPipelineCacheData(path)
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestLoadPipelineCacheDataWrapsOtherErrors(t *testing.T) {
	dirAsFile := t.TempDir()
	_, err := LoadPipelineCacheData(dirAsFile)
	require.Error(t, err)
	var fileErr *ErrFileIO
	assert.ErrorAs(t, err, &fileErr)
}
