package supervisor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)


// logTailBytes bounds how much of the log the post-exit scan reads.
const logTailBytes = 64 * 1024

func (s *Supervisor) startMonitor(h *Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Uint("jid", h.ExperimentID).Interface("panic", r).Msg("monitor crashed")
				s.failFromLog(h, fmt.Sprintf("monitor crashed: %v", r))
				s.removeHandle(h.ExperimentID)
			}
		}()
		s.monitorLoop(h)
	}()
}

func (s *Supervisor) monitorLoop(h *Handle) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if h.Cleaned() {
			return
		}
		if s.monitorStep(h) {
			return
		}
	}
}

// monitorStep performs one poll, cross-checked against the process
// table. Poll and the table can disagree (a cached handle against a pid
// that just vanished); a dead process table entry wins and the exit code
// falls back to the sentinel. Reports whether the experiment was
// finalized.
func (s *Supervisor) monitorStep(h *Handle) bool {
	code, ended := h.proc.Poll()
	if !ended {
		if s.pidExists(h.PID) {
			return false
		}
		code = 0
		if actual, ok := h.ActualExitCode(); ok {
			code = actual
		}
		log.Warn().Uint("jid", h.ExperimentID).Int32("pid", h.PID).
			Msg("process vanished between polls, reconciling as ended")
	}
	s.finalize(h, code)
	return true
}

// finalize settles the experiment record after its process ended. The
// status is re-read inside the row lock: a user stop or a tailer-driven
// kill may have already written a terminal status, which then stands.
func (s *Supervisor) finalize(h *Handle, code int) {
	expID := h.ExperimentID

	// Flush remaining log lines first so a late sentinel is seen.
	s.drainTail(expID)
	if actual, ok := h.ActualExitCode(); ok {
		code = actual
	}

	if h.UserStopped() {
		log.Info().Uint("jid", expID).Msg("experiment stopped, monitor exiting")
		s.removeHandle(expID)
		return
	}

	var outcome string
	err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		if exp.Terminal() {
			outcome = exp.Status
			return nil
		}
		if code == 0 {
			if pattern := s.scanLogForFailure(h.LogFile); pattern != "" {
				exp.Fail(fmt.Sprintf("exited 0 but log reports %q", pattern))
			} else {
				exp.Complete()
			}
		} else {
			exp.Fail(fmt.Sprintf("training failed with exit code %d", code))
		}
		outcome = exp.Status
		return nil
	})
	if err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not finalize experiment")
		s.removeHandle(expID)
		return
	}

	switch outcome {
	case store.StatusCompleted:
		s.appendLog(expID, store.LevelInfo,
			fmt.Sprintf("experiment completed after %s", h.RunningTime().Round(time.Second)))
	case store.StatusError:
		s.appendLog(expID, store.LevelError,
			fmt.Sprintf("experiment failed, exit code %d", code))
	}
	log.Info().Uint("jid", expID).Str("status", outcome).Int("code", code).Msg("experiment finished")
	s.removeHandle(expID)
}

// scanLogForFailure reads the tail of the log file and returns the first
// severe pattern found, or "" when the log looks clean.
func (s *Supervisor) scanLogForFailure(logFile string) string {
	f, err := s.fs.Open(logFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > logTailBytes {
		f.Seek(info.Size()-logTailBytes, io.SeekStart)
	}
	data, err := afero.ReadAll(f)
	if err != nil {
		return ""
	}
	lower := strings.ToLower(string(data))
	for _, pattern := range s.severePatterns {
		if strings.Contains(lower, pattern) {
			return pattern
		}
	}
	return ""
}
