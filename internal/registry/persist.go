package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"load_projection/internal/model"
	"load_projection/internal/predictor"
)

// ErrExists is returned when persisting over a model file without overwrite.
var ErrExists = errors.New("model file already exists")

// fileLocks hands out one RWMutex per region so a model file is never read
// while it is being written. Different regions never contend.
type fileLocks struct {
	mu    sync.Mutex
	locks map[model.RegionID]*sync.RWMutex
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[model.RegionID]*sync.RWMutex)}
}

func (f *fileLocks) get(region model.RegionID) *sync.RWMutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[region]
	if !ok {
		l = &sync.RWMutex{}
		f.locks[region] = l
	}
	return l
}

// Path returns the model file of region.
func (r *Registry) Path(region model.RegionID) string {
	return filepath.Join(r.opts.Dir, string(region)+".json")
}

// Persist writes m as region's model file. An existing file is replaced
// only when overwrite is set. The write goes to a temporary file that is
// renamed into place, so readers see either the old or the new model.
func (r *Registry) Persist(region model.RegionID, m *predictor.TrainedModel, overwrite bool) error {
	if r.opts.Dir == "" {
		return model.Fail(string(region), model.StagePersist, errors.New("no model directory configured"))
	}
	if m.Region != region {
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("model belongs to region %s", m.Region))
	}
	data, err := m.Save()
	if err != nil {
		return model.Fail(string(region), model.StagePersist, err)
	}

	lock := r.files.get(region)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("creating model dir: %w", err))
	}
	path := r.Path(region)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return model.Fail(string(region), model.StagePersist, fmt.Errorf("%w: %s", ErrExists, path))
		}
	}

	tmp, err := os.CreateTemp(r.opts.Dir, "."+string(region)+"-*.tmp")
	if err != nil {
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("creating temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("writing model: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("closing model: %w", err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return model.Fail(string(region), model.StagePersist, fmt.Errorf("renaming model: %w", err))
	}

	r.log.WithFields(logrus.Fields{"region": region, "path": path, "bytes": len(data)}).Info("Model saved")
	return nil
}

// Load reads region's model file and makes it the region's in-memory model.
// A missing file yields model.ErrNotFound.
func (r *Registry) Load(region model.RegionID) (*predictor.TrainedModel, error) {
	if r.opts.Dir == "" {
		return nil, model.Fail(string(region), model.StagePersist, fmt.Errorf("%w: no model for region %s", model.ErrNotFound, region))
	}
	lock := r.files.get(region)
	lock.RLock()
	data, err := os.ReadFile(r.Path(region))
	lock.RUnlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.Fail(string(region), model.StagePersist, fmt.Errorf("%w: no persisted model for region %s", model.ErrNotFound, region))
	}
	if err != nil {
		return nil, model.Fail(string(region), model.StagePersist, fmt.Errorf("reading model: %w", err))
	}

	m, err := predictor.LoadModel(data)
	if err != nil {
		return nil, model.Fail(string(region), model.StagePersist, err)
	}
	if m.Region != region {
		return nil, model.Fail(string(region), model.StagePersist, fmt.Errorf("model file holds region %s", m.Region))
	}

	r.mu.Lock()
	r.models[region] = m
	r.mu.Unlock()
	return m, nil
}
