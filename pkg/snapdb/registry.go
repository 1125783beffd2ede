// Durable snapshot set records + reconciliation of them against backend state
package snapdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/snapset/pkg/setlock"
	"github.com/function61/snapset/pkg/snaptypes"
)

const (
	recordSuffix     = ".json"
	quarantineSuffix = ".corrupt"
)

// Registry stores one JSON document per set under <stateDir>/sets. each record is replaced
// as a whole (write new file, fsync, rename) so a crash leaves either the old or the new
// record. there is no global lock: sets with different names can be operated on in parallel.
type Registry struct {
	dir      string
	locks    *setlock.Locker
	log      *logex.Leveled
	now      func() time.Time
	syncFile func(*os.File) error
}

func Open(stateDir string, logger *log.Logger) (*Registry, error) {
	dir := filepath.Join(stateDir, "sets")

	// does not error if already exists
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("snapdb: %w", err)
	}

	return &Registry{
		dir:      dir,
		locks:    setlock.New(filepath.Join(stateDir, "locks")),
		log:      logex.Levels(logex.Prefix("snapdb", logex.NonNil(logger))),
		now:      time.Now,
		syncFile: (*os.File).Sync,
	}, nil
}

func (r *Registry) Put(set *snaptypes.Set) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("snapdb: refusing to store %s: %w", set.ID, err)
	}

	if err := r.writeRecord(set); err != nil {
		return fmt.Errorf("snapdb: Put %s: %w", set.ID, err)
	}

	return r.syncDir()
}

// temp file in the same directory, fsync, then rename over the previous record. the temp
// file's name lacks recordSuffix so listings never see it.
func (r *Registry) writeRecord(set *snaptypes.Set) error {
	temp, err := os.CreateTemp(r.dir, ".put-*")
	if err != nil {
		return err
	}

	cleanup := func(err error) error {
		temp.Close()
		os.Remove(temp.Name())
		return err
	}

	if err := jsonfile.Marshal(temp, set); err != nil {
		return cleanup(err)
	}

	// record must be on disk before it replaces the previous one
	if err := r.syncFile(temp); err != nil {
		return cleanup(fmt.Errorf("fsync: %w", err))
	}

	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}

	if err := os.Rename(temp.Name(), r.path(set.ID)); err != nil {
		os.Remove(temp.Name())
		return err
	}

	return nil
}

// Get returns ErrNotFound for unknown IDs and CorruptRecordError for records that cannot be
// decoded or validated
func (r *Registry) Get(id snaptypes.SetID) (*snaptypes.Set, error) {
	if _, _, err := snaptypes.ParseSetID(string(id)); err != nil {
		return nil, err
	}

	file, err := os.Open(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("set %s: %w", id, snaptypes.ErrNotFound)
		}

		return nil, fmt.Errorf("snapdb: %w", err)
	}
	defer file.Close()

	set := &snaptypes.Set{}
	if err := jsonfile.Unmarshal(file, set, true); err != nil {
		return nil, &snaptypes.CorruptRecordError{ID: id, Err: err}
	}

	if err := set.Validate(); err != nil {
		return nil, &snaptypes.CorruptRecordError{ID: id, Err: err}
	}

	if set.ID != id {
		return nil, &snaptypes.CorruptRecordError{ID: id, Err: fmt.Errorf("record is for %s", set.ID)}
	}

	return set, nil
}

// List returns matching sets ordered by timestamp (oldest first). corrupt records are
// skipped (reconciliation quarantines them).
func (r *Registry) List(filter Filter) ([]snaptypes.Set, error) {
	match, err := filter.compile()
	if err != nil {
		return nil, err
	}

	ids, err := r.ids()
	if err != nil {
		return nil, err
	}

	now := r.now()

	sets := []snaptypes.Set{}
	for _, id := range ids {
		set, err := r.Get(id)
		if err != nil {
			if snaptypes.IsCorrupt(err) {
				r.log.Error.Printf("skipping: %v", err)
				continue
			}

			if snaptypes.IsNotFound(err) { // deleted while we were listing
				continue
			}

			return nil, err
		}

		matches, err := match(*set, now)
		if err != nil {
			return nil, err
		}

		if matches {
			sets = append(sets, *set)
		}
	}

	sort.SliceStable(sets, func(i, j int) bool {
		if !sets[i].Timestamp.Equal(sets[j].Timestamp) {
			return sets[i].Timestamp.Before(sets[j].Timestamp)
		}

		return sets[i].Name < sets[j].Name
	})

	return sets, nil
}

// Corrupt returns IDs of records that fail to decode or validate
func (r *Registry) Corrupt() ([]snaptypes.SetID, error) {
	ids, err := r.ids()
	if err != nil {
		return nil, err
	}

	corrupt := []snaptypes.SetID{}
	for _, id := range ids {
		if _, err := r.Get(id); snaptypes.IsCorrupt(err) {
			corrupt = append(corrupt, id)
		}
	}

	return corrupt, nil
}

// Delete is idempotent
func (r *Registry) Delete(id snaptypes.SetID) error {
	if _, _, err := snaptypes.ParseSetID(string(id)); err != nil {
		return err
	}

	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapdb: Delete %s: %w", id, err)
	}

	return r.syncDir()
}

// Quarantine moves a record aside (<id>.json.corrupt) so it no longer shadows the set
func (r *Registry) Quarantine(id snaptypes.SetID) error {
	if err := os.Rename(r.path(id), r.path(id)+quarantineSuffix); err != nil {
		return fmt.Errorf("snapdb: Quarantine %s: %w", id, err)
	}

	r.log.Info.Printf("quarantined corrupt record %s", id)

	return r.syncDir()
}

// Lock acquires the advisory lock of a set name. hold it across every state transition.
func (r *Registry) Lock(ctx context.Context, name string) (func(), error) {
	return r.locks.Lock(ctx, name)
}

// TryLock is Lock that fails fast with ErrBusy
func (r *Registry) TryLock(name string) (func(), error) {
	return r.locks.TryLock(name)
}

func (r *Registry) ids() ([]snaptypes.SetID, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("snapdb: %w", err)
	}

	ids := []snaptypes.SetID{}
	for _, entry := range entries {
		// skips also temp files and quarantined records
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}

		id := snaptypes.SetID(strings.TrimSuffix(entry.Name(), recordSuffix))
		if _, _, err := snaptypes.ParseSetID(string(id)); err != nil {
			r.log.Error.Printf("ignoring %s: %v", entry.Name(), err)
			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (r *Registry) path(id snaptypes.SetID) string {
	return filepath.Join(r.dir, string(id)+recordSuffix)
}

// makes renames/removals in the directory durable
func (r *Registry) syncDir() error {
	dir, err := os.Open(r.dir)
	if err != nil {
		return err
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("snapdb: fsync %s: %w", r.dir, err)
	}

	return nil
}
