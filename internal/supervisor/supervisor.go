package supervisor

// Supervisor owns the in-memory handle map and the per-experiment
// monitor and tailer goroutines. It is explicitly constructed and
// lifetime-scoped: callers create one, Restore() it at startup, and
// share it with the request layer and the queue scheduler.

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benderick/EOLO-WEB/internal/config"
	"github.com/benderick/EOLO-WEB/internal/gpu"
	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/afero"
)

type Opts struct {
	Store *store.Store
	GPUs  gpu.Prober

	// Fs defaults to the OS filesystem. Tests pass an in-memory one.
	Fs afero.Fs
	// WorkDir is the training project directory commands run in.
	WorkDir string
	// StateDir holds breadcrumbs and per-experiment log files.
	StateDir string
}

type Supervisor struct {
	store  *store.Store
	gpus   gpu.Prober
	fs     afero.Fs
	crumbs *BreadcrumbStore

	workDir string
	logDir  string

	pollInterval       time.Duration
	tailInterval       time.Duration
	terminationTimeout time.Duration
	cleanupTimeout     time.Duration
	resolveAttempts    int
	resolveDelay       time.Duration
	criticalKeywords   []string
	severePatterns     []string

	mu      sync.Mutex
	handles map[uint]*Handle
	tailers map[uint]*tailer

	// seams for tests; default to the real implementations
	launch     func(wrapper string, env []string, dir string) error
	resolvePID func(expID uint, command string, attempts int, delay time.Duration) (int32, error)
	killAll    func(expID uint) []int32
	killTree   func(pid int32)
	pidExists  func(pid int32) bool
	scanProcs  func() ([]taggedProcess, error)

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Opts) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("missing record store")
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = config.Get(config.WORK_DIR)
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = config.Get(config.STATE_DIR)
	}

	crumbs, err := NewBreadcrumbStore(fs, filepath.Join(stateDir, "experiment_pids"))
	if err != nil {
		return nil, err
	}
	logDir := filepath.Join(stateDir, "experiment_logs")
	if err := fs.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create log dir: %w", err)
	}

	gpus := opts.GPUs
	if gpus == nil {
		gpus = gpu.NewProbe()
	}

	s := &Supervisor{
		store:  opts.Store,
		gpus:   gpus,
		fs:     fs,
		crumbs: crumbs,

		workDir: workDir,
		logDir:  logDir,

		pollInterval:       config.Get(config.MONITOR_POLL_INTERVAL),
		tailInterval:       config.Get(config.LOG_TAIL_INTERVAL),
		terminationTimeout: config.Get(config.MONITOR_TERMINATION_TIMEOUT),
		cleanupTimeout:     config.Get(config.MONITOR_CLEANUP_TIMEOUT),
		resolveAttempts:    config.Get(config.LAUNCH_RESOLVE_ATTEMPTS),
		resolveDelay:       config.Get(config.LAUNCH_RESOLVE_DELAY),
		criticalKeywords:   config.Get(config.LOG_CRITICAL_KEYWORDS),
		severePatterns:     config.Get(config.LOG_SEVERE_PATTERNS),

		handles: make(map[uint]*Handle),
		tailers: make(map[uint]*tailer),
		done:    make(chan struct{}),
	}
	s.launch = s.launchWrapper
	s.resolvePID = findExperimentPID
	s.killAll = func(expID uint) []int32 {
		return killAllExperimentProcesses(expID, s.terminationTimeout)
	}
	s.killTree = func(pid int32) {
		killProcessTree(pid, s.cleanupTimeout, s.terminationTimeout)
	}
	s.pidExists = func(pid int32) bool {
		exists, err := process.PidExists(pid)
		return err == nil && exists
	}
	s.scanProcs = scanTaggedProcesses
	return s, nil
}

// Store exposes the record store for collaborators that share it.
func (s *Supervisor) Store() *store.Store {
	return s.store
}

// Shutdown stops all monitor and tailer goroutines without touching the
// training processes. They keep running detached; breadcrumbs let the
// next supervisor instance reattach.
func (s *Supervisor) Shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Wait blocks until every monitor and tailer goroutine has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) handleFor(expID uint) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[expID]
}

func (s *Supervisor) addHandle(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.ExperimentID] = h
}

// Supervised reports whether an experiment currently has a handle.
func (s *Supervisor) Supervised(expID uint) bool {
	return s.handleFor(expID) != nil
}

// SupervisedIDs returns the ids of all currently supervised experiments.
func (s *Supervisor) SupervisedIDs() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// removeHandle tears down the in-memory handle and its breadcrumb.
// Idempotent: the stop path and the monitor may both reach it, only the
// first caller performs the deletion.
func (s *Supervisor) removeHandle(expID uint) {
	s.mu.Lock()
	h := s.handles[expID]
	delete(s.handles, expID)
	delete(s.tailers, expID)
	s.mu.Unlock()

	if h == nil || !h.markCleaned() {
		return
	}
	if err := s.crumbs.Delete(expID); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not delete breadcrumb")
	}
}

func (s *Supervisor) appendLog(expID uint, level, message string) {
	if _, err := s.store.AppendLog(expID, level, message); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not write experiment log")
	}
}

// StopExperiment stops a running experiment. When user initiated, the
// record is flipped to interrupted before any signal is sent, so a
// racing monitor that notices the process death sees a terminal status
// and cleans up without rewriting it.
func (s *Supervisor) StopExperiment(expID uint, userInitiated bool) error {
	if userInitiated {
		err := s.store.WithLock(expID, func(exp *store.Experiment) error {
			if exp.Terminal() {
				return nil
			}
			exp.Interrupt("experiment stopped by user")
			return nil
		})
		if err != nil {
			return fmt.Errorf("could not interrupt experiment %d: %w", expID, err)
		}
		s.appendLog(expID, store.LevelInfo, "experiment stopped by user")
	}

	h := s.handleFor(expID)
	if h != nil && userInitiated {
		h.SetUserStopped()
	}

	// Sweep by env var first: children may have escaped the tracked tree.
	s.killAll(expID)

	if h != nil {
		s.killTree(h.PID)
		h.proc.Terminate()
		if err := h.proc.Wait(s.terminationTimeout); err != nil {
			h.proc.Kill()
			h.proc.Wait(2 * time.Second)
		}
		s.drainTail(expID)
		s.removeHandle(expID)
	}
	return nil
}

// DeleteExperiment removes an experiment record. Refused while a monitor
// still references it.
func (s *Supervisor) DeleteExperiment(expID uint) error {
	if s.Supervised(expID) {
		return fmt.Errorf("experiment %d is still supervised, stop it first", expID)
	}
	return s.store.Delete(expID)
}

// Status is the status query result exposed to the request layer.
type Status struct {
	Status      string  `json:"status"`
	PID         int32   `json:"pid,omitempty"`
	RunningTime float64 `json:"running_time,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// ExperimentStatus reports the live state of an experiment, cross-checking
// the handle against the process table.
func (s *Supervisor) ExperimentStatus(expID uint) (Status, error) {
	exp, err := s.store.Get(expID)
	if err != nil {
		return Status{}, err
	}

	h := s.handleFor(expID)
	if h == nil {
		return Status{Status: exp.Status, Message: "process not supervised"}, nil
	}

	code, ended := h.proc.Poll()
	if !ended {
		return Status{
			Status:      store.StatusRunning,
			PID:         h.PID,
			RunningTime: h.RunningTime().Seconds(),
		}, nil
	}

	final := code
	if actual, ok := h.ActualExitCode(); ok {
		final = actual
	}
	return Status{
		Status:   exp.Status,
		PID:      h.PID,
		ExitCode: &final,
	}, nil
}

// Logs returns log entries oldest first with offset pagination.
func (s *Supervisor) Logs(expID uint, offset, limit int) ([]*store.ExperimentLog, error) {
	if limit <= 0 {
		limit = config.Get(config.LOG_RECENT_ENTRIES)
	}
	return s.store.Logs(expID, offset, limit)
}

// LogsAfter returns log entries with id greater than afterID.
func (s *Supervisor) LogsAfter(expID uint, afterID uint) ([]*store.ExperimentLog, error) {
	return s.store.LogsAfter(expID, afterID, 0)
}

// RunningExperiment pairs an experiment record with its live status.
type RunningExperiment struct {
	Experiment *store.Experiment
	Status     Status
}

// ListRunning returns every experiment that currently has a handle.
func (s *Supervisor) ListRunning() []RunningExperiment {
	var running []RunningExperiment
	for _, id := range s.SupervisedIDs() {
		exp, err := s.store.Get(id)
		if err != nil {
			continue
		}
		status, err := s.ExperimentStatus(id)
		if err != nil {
			continue
		}
		running = append(running, RunningExperiment{Experiment: exp, Status: status})
	}
	return running
}

// GPUClaims returns the device indices claimed by currently running
// experiments. The scheduler uses this for conflict checks.
func (s *Supervisor) GPUClaims(ctx context.Context) map[int]uint {
	claims := make(map[int]uint)
	exps, err := s.store.ListByStatus(store.StatusRunning)
	if err != nil {
		return claims
	}
	for _, exp := range exps {
		for _, idx := range gpu.ParseDeviceString(exp.Device) {
			claims[idx] = exp.ID
		}
	}
	return claims
}
