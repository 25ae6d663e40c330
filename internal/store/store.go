package store

// DB-backed record store for experiments and their logs. All
// read-then-write sequences go through WithLock, which serializes on a
// per-row mutex: exactly one supervisor process owns the DB, so row
// exclusivity is enforced in-process rather than with SELECT ... FOR
// UPDATE, which sqlite does not support.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var nowFunc = time.Now

type Store struct {
	db    *gorm.DB
	locks sync.Map // experiment id -> *sync.Mutex
}

// Open opens (creating if needed) the sqlite DB at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing gorm DB, migrating the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Experiment{}, &ExperimentLog{}); err != nil {
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) rowLock(id uint) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithLock runs fn with exclusive access to the experiment row. fn
// receives a freshly read record; mutations are persisted when fn
// returns nil. Callers must re-check status inside fn, since the row may
// have changed between their earlier read and the lock being acquired.
func (s *Store) WithLock(id uint, fn func(exp *Experiment) error) error {
	mu := s.rowLock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var exp Experiment
		if err := tx.First(&exp, id).Error; err != nil {
			return err
		}
		if err := fn(&exp); err != nil {
			return err
		}
		return tx.Save(&exp).Error
	})
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// IsNotFound reports whether err means the record does not exist, as
// opposed to the store being unreachable.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (s *Store) Create(exp *Experiment) error {
	return s.db.Create(exp).Error
}

func (s *Store) Get(id uint) (*Experiment, error) {
	var exp Experiment
	if err := s.db.First(&exp, id).Error; err != nil {
		return nil, err
	}
	return &exp, nil
}

func (s *Store) Save(exp *Experiment) error {
	return s.db.Save(exp).Error
}

// List returns all experiments, newest first.
func (s *Store) List() ([]*Experiment, error) {
	var exps []*Experiment
	err := s.db.Order("created_at DESC").Find(&exps).Error
	return exps, err
}

// ListByStatus returns experiments with the given status in creation
// order, oldest first. The scheduler depends on this ordering for
// first-created-first-scheduled promotion.
func (s *Store) ListByStatus(status string) ([]*Experiment, error) {
	var exps []*Experiment
	err := s.db.Where("status = ?", status).Order("created_at ASC").Find(&exps).Error
	return exps, err
}

// Delete removes an experiment and its logs. Deletion is refused unless
// the experiment is terminal or still pending; a running or queued row
// may be referenced by a monitor. Everything runs on the one transaction
// connection: a second connection would block on sqlite's write lock.
func (s *Store) Delete(id uint) error {
	mu := s.rowLock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var exp Experiment
		if err := tx.First(&exp, id).Error; err != nil {
			return err
		}
		if !exp.Terminal() && exp.Status != StatusPending {
			return fmt.Errorf("experiment %d is %s, stop it before deleting", id, exp.Status)
		}
		if err := tx.Where("experiment_id = ?", id).Delete(&ExperimentLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Experiment{}, id).Error
	})
}

/////////////
/// Logs ///
/////////////

// AppendLog records one log line for an experiment.
func (s *Store) AppendLog(expID uint, level, message string) (*ExperimentLog, error) {
	entry := &ExperimentLog{
		ExperimentID: expID,
		Timestamp:    nowFunc(),
		Level:        level,
		Message:      message,
	}
	if err := s.db.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateLog overwrites the message of an existing entry and bumps its
// timestamp. Used to coalesce progress-bar lines into a single updating
// record.
func (s *Store) UpdateLog(entryID uint, message string) error {
	return s.db.Model(&ExperimentLog{}).Where("id = ?", entryID).
		Updates(map[string]any{"message": message, "timestamp": nowFunc()}).Error
}

// Logs returns entries oldest first with simple offset pagination.
// limit <= 0 means no limit.
func (s *Store) Logs(expID uint, offset, limit int) ([]*ExperimentLog, error) {
	q := s.db.Where("experiment_id = ?", expID).Order("timestamp ASC, id ASC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*ExperimentLog
	err := q.Find(&entries).Error
	return entries, err
}

// LogsAfter returns entries with id greater than afterID, oldest first.
func (s *Store) LogsAfter(expID uint, afterID uint, limit int) ([]*ExperimentLog, error) {
	q := s.db.Where("experiment_id = ? AND id > ?", expID, afterID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*ExperimentLog
	err := q.Find(&entries).Error
	return entries, err
}
