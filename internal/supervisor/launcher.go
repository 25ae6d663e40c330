package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// StartResult reports the outcome of a start request. Queued means the
// GPUs were busy and the experiment was handed to the scheduler instead.
type StartResult struct {
	Queued  bool
	Message string
	PID     int32
}

// StartExperiment launches the experiment's training command as a
// detached process. Unless force is set, busy GPUs route the experiment
// to the queue instead of launching.
func (s *Supervisor) StartExperiment(ctx context.Context, expID uint, force bool) (StartResult, error) {
	exp, err := s.store.Get(expID)
	if err != nil {
		return StartResult{}, err
	}
	if s.Supervised(expID) {
		return StartResult{}, fmt.Errorf("experiment %d is already running", expID)
	}

	if !force {
		check := s.gpus.CheckAvailability(ctx, exp.Device)
		if !check.Available {
			err := s.store.WithLock(expID, func(exp *store.Experiment) error {
				if exp.Status == store.StatusRunning {
					return fmt.Errorf("experiment %d is already running", expID)
				}
				exp.Queue()
				return nil
			})
			if err != nil {
				return StartResult{}, err
			}
			s.appendLog(expID, store.LevelWarning,
				fmt.Sprintf("GPU busy, experiment queued: %s", check.Message))
			log.Info().Uint("jid", expID).Str("gpus", exp.Device).Msg("GPU busy, experiment queued")
			return StartResult{Queued: true, Message: check.Message}, nil
		}
	}

	err = s.store.WithLock(expID, func(exp *store.Experiment) error {
		if exp.Status == store.StatusRunning {
			return fmt.Errorf("experiment %d is already running", expID)
		}
		exp.Start()
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	logFile := filepath.Join(s.logDir, fmt.Sprintf("exp_%d_%s.log", expID, xid.New().String()))
	wrapper := launchScript(exp.Command, logFile)
	env := append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvVarExperimentID, expID),
		"PYTHONUNBUFFERED=1",
	)

	log.Info().Uint("jid", expID).Str("cmd", exp.Command).Msg("launching experiment")
	if err := s.launch(wrapper, env, s.workDir); err != nil {
		return StartResult{}, s.failLaunch(expID, fmt.Errorf("launch failed: %w", err))
	}

	pid, err := s.resolvePID(expID, exp.Command, s.resolveAttempts, s.resolveDelay)
	if err != nil {
		return StartResult{}, s.failLaunch(expID, fmt.Errorf("could not locate training process: %w", err))
	}

	// Launches always detach (nohup + setsid), so the handle is
	// independent whether or not the GPU gate was bypassed.
	h := NewHandle(expID, pid, exp.Command, logFile, true, func() { s.killAll(expID) })
	s.addHandle(h)
	if err := s.crumbs.Save(h); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not save breadcrumb")
	}
	if err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		exp.LogFile = logFile
		return nil
	}); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not record log file")
	}

	s.appendLog(expID, store.LevelInfo, fmt.Sprintf("experiment started, pid %d", pid))
	s.startTailer(h)
	s.startMonitor(h)

	log.Info().Uint("jid", expID).Int32("pid", pid).Str("log", logFile).Msg("experiment running")
	return StartResult{PID: pid}, nil
}

// failLaunch records a launch failure and returns the error to report.
func (s *Supervisor) failLaunch(expID uint, cause error) error {
	if err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		if !exp.Terminal() {
			exp.Fail(cause.Error())
		}
		return nil
	}); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not mark launch failure")
	}
	s.appendLog(expID, store.LevelError, cause.Error())
	return cause
}

// launchScript wraps the training command so it survives supervisor
// restarts and reports its own exit code as the last log line.
func launchScript(command, logFile string) string {
	return fmt.Sprintf(`nohup bash -c '(%s); echo "%s$?" >> %s' > %s 2>&1 &`,
		command, ExitCodeSentinel, logFile, logFile)
}

func (s *Supervisor) launchWrapper(wrapper string, env []string, dir string) error {
	cmd := exec.Command("bash", "-c", wrapper)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
