package core

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const pipelineCacheFileName = "pipeline_cache"

// PipelineCachePath returns the file path used to persist pipeline-cache
// data across runs: os.TempDir(), honoring TMPDIR per its documented
// behavior.
func PipelineCachePath() string {
	return filepath.Join(os.TempDir(), pipelineCacheFileName)
}

// LoadPipelineCacheData reads previously persisted pipeline-cache bytes
// from path. A missing file is not an error: it returns (nil, nil) so the
// caller creates an empty cache.
func LoadPipelineCacheData(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(&ErrFileIO{Path: path, Err: err})
	}
	return data, nil
}

// SavePipelineCacheData writes a PipelineCache's current vkGetPipelineCacheData
// blob to path, creating parent directories as needed.
func SavePipelineCacheData(path string, cache *PipelineCache) error {
	data, err := cache.Data()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(&ErrFileIO{Path: path, Err: err})
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WithStack(&ErrFileIO{Path: path, Err: err})
	}
	Logger().Debug("pipeline cache: saved", "path", path, "bytes", len(data))
	return nil
}
