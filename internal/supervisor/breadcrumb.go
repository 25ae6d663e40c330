package supervisor

// Breadcrumbs mirror the essential fields of a Handle to durable storage
// so a new supervisor instance can rebuild monitoring after a restart.
// One JSON file per active experiment; deleted in lockstep with the
// in-memory handle.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}

type Breadcrumb struct {
	ExperimentID uint    `json:"experiment_id"`
	PID          int32   `json:"pid"`
	Command      string  `json:"command"`
	StartTime    float64 `json:"start_time"`
	LogFile      string  `json:"log_file"`
	Independent  bool    `json:"independent"`
	SaveTime     float64 `json:"save_time"`
}

type BreadcrumbStore struct {
	fs  afero.Fs
	dir string
}

func NewBreadcrumbStore(fs afero.Fs, dir string) (*BreadcrumbStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create breadcrumb dir: %w", err)
	}
	return &BreadcrumbStore{fs: fs, dir: dir}, nil
}

func (b *BreadcrumbStore) path(expID uint) string {
	return filepath.Join(b.dir, fmt.Sprintf("exp_%d.json", expID))
}

// Save writes the breadcrumb for a handle, overwriting any previous one.
func (b *BreadcrumbStore) Save(h *Handle) error {
	crumb := Breadcrumb{
		ExperimentID: h.ExperimentID,
		PID:          h.PID,
		Command:      h.Command,
		StartTime:    float64(h.StartTime.UnixNano()) / float64(time.Second),
		LogFile:      h.LogFile,
		Independent:  h.Independent,
		SaveTime:     float64(time.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.MarshalIndent(crumb, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(b.fs, b.path(h.ExperimentID), data, 0o644)
}

// Delete removes the breadcrumb for an experiment. Removing a breadcrumb
// that is already gone is not an error.
func (b *BreadcrumbStore) Delete(expID uint) error {
	err := b.fs.Remove(b.path(expID))
	if err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

// List reads every breadcrumb on disk. Unreadable files are skipped and
// deleted: a corrupt breadcrumb cannot be recovered from anyway.
func (b *BreadcrumbStore) List() ([]Breadcrumb, error) {
	matches, err := afero.Glob(b.fs, filepath.Join(b.dir, "exp_*.json"))
	if err != nil {
		return nil, err
	}
	var crumbs []Breadcrumb
	for _, match := range matches {
		data, err := afero.ReadFile(b.fs, match)
		if err != nil {
			continue
		}
		var crumb Breadcrumb
		if err := json.Unmarshal(data, &crumb); err != nil {
			b.fs.Remove(match)
			continue
		}
		crumbs = append(crumbs, crumb)
	}
	return crumbs, nil
}

// DeleteAll removes every breadcrumb.
func (b *BreadcrumbStore) DeleteAll() error {
	matches, err := afero.Glob(b.fs, filepath.Join(b.dir, "exp_*.json"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		b.fs.Remove(match)
	}
	return nil
}
