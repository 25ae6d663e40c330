package supervisor

// The live binding between an experiment and its OS process. One Handle
// exists per supervised experiment, held in the supervisor's map; it is
// created by the launcher or the recovery scanner and destroyed by the
// monitor when the experiment reaches a terminal state.

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// proc is the small surface every process variant implements: freshly
// launched, restored after a supervisor restart, or found orphaned.
type proc interface {
	// Poll returns the exit code and whether the process has ended.
	// While the process is alive it returns (0, false).
	Poll() (int, bool)
	Terminate() error
	Kill() error
	Wait(timeout time.Duration) error
}

// Handle tracks a supervised experiment process.
type Handle struct {
	ExperimentID uint
	PID          int32
	Command      string
	StartTime    time.Time
	LogFile      string
	Independent  bool
	Restored     bool
	Orphaned     bool

	proc proc

	mu             sync.Mutex
	actualExitCode *int
	userStopped    bool
	cleaned        bool
}

// SetActualExitCode records the sentinel-derived true exit code parsed
// from the experiment log. It takes precedence over anything the OS
// reports for the wrapper shell.
func (h *Handle) SetActualExitCode(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actualExitCode = &code
}

// ActualExitCode returns the sentinel-derived exit code, if one has been
// observed.
func (h *Handle) ActualExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.actualExitCode == nil {
		return 0, false
	}
	return *h.actualExitCode, true
}

// SetUserStopped marks that the user explicitly requested a stop, so the
// monitor will not misclassify the resulting process death as a failure.
func (h *Handle) SetUserStopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userStopped = true
}

func (h *Handle) UserStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userStopped
}

// markCleaned flips the handle to cleaned exactly once. It reports
// whether this call did the flip, so cleanup side effects run once even
// when a user stop races a monitor-observed process death.
func (h *Handle) markCleaned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cleaned {
		return false
	}
	h.cleaned = true
	return true
}

func (h *Handle) Cleaned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cleaned
}

// RunningTime returns how long the process has been running.
func (h *Handle) RunningTime() time.Duration {
	return time.Since(h.StartTime)
}

// exitCodeResult caches the final verdict of a process variant so that
// repeated Poll calls after death stay stable.
type exitCodeResult struct {
	code  int
	ended bool
}

// trackedProcess is the common gopsutil-backed implementation of the
// proc surface. The variants differ only in how a missing exit code is
// interpreted once the process is gone.
type trackedProcess struct {
	pid    int32
	handle *Handle
	// killAll sweeps every process carrying the experiment's env var
	// before the tracked pid itself is signalled.
	killAll func()
	// vanishedCode is reported when the process is gone and no sentinel
	// code was ever observed.
	vanishedCode int

	mu    sync.Mutex
	final *exitCodeResult
}

// newLaunchedProcess tracks a process the launcher just started. A
// vanished launch with no sentinel defaults to success: the wrapper may
// simply have been reaped before the tailer caught the sentinel line.
func newLaunchedProcess(pid int32, h *Handle, killAll func()) *trackedProcess {
	return &trackedProcess{pid: pid, handle: h, killAll: killAll, vanishedCode: 0}
}

// newRestoredProcess tracks a process reattached from a breadcrumb after
// a supervisor restart.
func newRestoredProcess(pid int32, h *Handle, killAll func()) *trackedProcess {
	return &trackedProcess{pid: pid, handle: h, killAll: killAll, vanishedCode: 0}
}

// newOrphanedProcess tracks a process discovered by the orphan scan.
// Nothing is known about its history, so a vanish without a sentinel is
// reported as -1 rather than assumed successful.
func newOrphanedProcess(pid int32, h *Handle, killAll func()) *trackedProcess {
	return &trackedProcess{pid: pid, handle: h, killAll: killAll, vanishedCode: -1}
}

func (t *trackedProcess) Poll() (int, bool) {
	t.mu.Lock()
	if t.final != nil {
		defer t.mu.Unlock()
		return t.final.code, t.final.ended
	}
	t.mu.Unlock()

	alive := false
	if p, err := process.NewProcess(t.pid); err == nil {
		if running, err := p.IsRunning(); err == nil && running {
			if statuses, err := p.Status(); err != nil || !contains(statuses, process.Zombie) {
				alive = true
			}
		}
	}
	if alive {
		return 0, false
	}

	// Gone. The sentinel-derived code wins; the OS cannot report the
	// exit status of a detached, possibly re-parented process.
	code := t.vanishedCode
	if actual, ok := t.handle.ActualExitCode(); ok {
		code = actual
	}

	t.mu.Lock()
	t.final = &exitCodeResult{code: code, ended: true}
	t.mu.Unlock()
	return code, true
}

func (t *trackedProcess) Terminate() error {
	if t.killAll != nil {
		t.killAll()
	}
	p, err := process.NewProcess(t.pid)
	if err != nil {
		return nil // already gone
	}
	return p.Terminate()
}

func (t *trackedProcess) Kill() error {
	if t.killAll != nil {
		t.killAll()
	}
	p, err := process.NewProcess(t.pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func (t *trackedProcess) Wait(timeout time.Duration) error {
	return waitForExit(t.pid, timeout)
}

// NewHandle binds a freshly launched process.
func NewHandle(expID uint, pid int32, command, logFile string, independent bool, killAll func()) *Handle {
	h := &Handle{
		ExperimentID: expID,
		PID:          pid,
		Command:      command,
		StartTime:    time.Now(),
		LogFile:      logFile,
		Independent:  independent,
	}
	h.proc = newLaunchedProcess(pid, h, killAll)
	return h
}

// RestoredHandle rebinds a process from its breadcrumb after a
// supervisor restart.
func RestoredHandle(crumb Breadcrumb, killAll func()) *Handle {
	h := &Handle{
		ExperimentID: crumb.ExperimentID,
		PID:          crumb.PID,
		Command:      crumb.Command,
		StartTime:    time.Unix(0, int64(crumb.StartTime*float64(time.Second))),
		LogFile:      crumb.LogFile,
		Independent:  crumb.Independent,
		Restored:     true,
	}
	h.proc = newRestoredProcess(crumb.PID, h, killAll)
	return h
}

// OrphanHandle binds a training process found running with no record of
// how it was started.
func OrphanHandle(expID uint, pid int32, command, logFile string, killAll func()) *Handle {
	h := &Handle{
		ExperimentID: expID,
		PID:          pid,
		Command:      command,
		StartTime:    time.Now(),
		LogFile:      logFile,
		Orphaned:     true,
	}
	h.proc = newOrphanedProcess(pid, h, killAll)
	return h
}
