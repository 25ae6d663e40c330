package supervisor

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// ExitCodeSentinel is appended by the launch wrapper as the last log
// line. It carries the training command's own exit code, which is more
// trustworthy than the wrapper shell's.
const ExitCodeSentinel = "EOLO_EXIT_CODE:"

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

var progressMarkers = []string{"%|", "█", "it/s", "s/it", "it]"}

// tailer incrementally reads an experiment's log file and turns new
// lines into structured log entries. One goroutine per experiment; the
// monitor calls drain() before finalizing so the last lines (including
// the exit-code sentinel) are never lost.
type tailer struct {
	sup    *Supervisor
	handle *Handle
	path   string

	mu         sync.Mutex
	offset     int64
	pending    string
	progressID uint

	stopOnce sync.Once
	stop     chan struct{}
}

func (s *Supervisor) startTailer(h *Handle) {
	t := &tailer{
		sup:    s,
		handle: h,
		path:   h.LogFile,
		stop:   make(chan struct{}),
	}
	s.mu.Lock()
	s.tailers[h.ExperimentID] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tailInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.poll()
			}
		}
	}()
}

// drainTail performs one final read of the log file and stops the
// tailer goroutine. Safe to call more than once.
func (s *Supervisor) drainTail(expID uint) {
	s.mu.Lock()
	t := s.tailers[expID]
	s.mu.Unlock()
	if t == nil {
		return
	}
	t.poll()
	t.flushPending()
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *tailer) poll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.sup.fs.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// Truncated (e.g. relaunch into the same file): start over.
		t.offset = 0
		t.pending = ""
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := afero.ReadAll(f)
	if err != nil {
		return
	}
	t.offset += int64(len(data))

	chunk := t.pending + string(data)
	lines := strings.Split(chunk, "\n")
	t.pending = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		t.processLine(line)
	}
}

// flushPending emits a trailing line with no newline terminator. Only
// the drain path does this; during normal tailing a partial line may
// still be mid-write.
func (t *tailer) flushPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != "" {
		t.processLine(t.pending)
		t.pending = ""
	}
}

func (t *tailer) processLine(raw string) {
	line := cleanLogLine(raw)
	if line == "" {
		return
	}

	if code, ok := parseSentinel(line); ok {
		t.handle.SetActualExitCode(code)
		if code != 0 {
			t.sup.failFromLog(t.handle, fmt.Sprintf("training exited with code %d", code))
		}
		return
	}

	level := classifyLine(line)

	// Critical keywords only count on lines that classify as errors;
	// the same words appear in benign contexts (progress text, tips).
	if level == store.LevelError {
		if keyword := t.matchCritical(line); keyword != "" {
			t.sup.appendLog(t.handle.ExperimentID, store.LevelError,
				fmt.Sprintf("critical error detected in log (%s): %s", keyword, line))
			t.sup.failFromLog(t.handle, fmt.Sprintf("critical error detected in log: %s", line))
			t.progressID = 0
			return
		}
	}

	if isProgressLine(line) {
		if t.progressID != 0 {
			if err := t.sup.store.UpdateLog(t.progressID, line); err == nil {
				return
			}
		}
		entry, err := t.sup.store.AppendLog(t.handle.ExperimentID, store.LevelInfo, line)
		if err == nil {
			t.progressID = entry.ID
		}
		return
	}

	t.progressID = 0
	t.sup.appendLog(t.handle.ExperimentID, level, line)
}

func (t *tailer) matchCritical(line string) string {
	lower := strings.ToLower(line)
	for _, kw := range t.sup.criticalKeywords {
		if kw != "" && strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// failFromLog flips the experiment to error and kills its processes.
// The monitor then observes a terminal status and only cleans up.
func (s *Supervisor) failFromLog(h *Handle, message string) {
	err := s.store.WithLock(h.ExperimentID, func(exp *store.Experiment) error {
		if exp.Terminal() {
			return nil
		}
		exp.Fail(message)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Uint("jid", h.ExperimentID).Msg("could not mark experiment failed")
	}
	log.Warn().Uint("jid", h.ExperimentID).Str("reason", message).Msg("killing experiment after log error")
	s.killAll(h.ExperimentID)
	s.killTree(h.PID)
	h.proc.Kill()
}

// cleanLogLine strips ANSI escapes and carriage-return repaints, keeping
// only the final rendering of the line.
func cleanLogLine(raw string) string {
	line := ansiEscape.ReplaceAllString(raw, "")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	return strings.TrimSpace(line)
}

func parseSentinel(line string) (int, bool) {
	if !strings.HasPrefix(line, ExitCodeSentinel) {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ExitCodeSentinel)))
	if err != nil {
		return 0, false
	}
	return code, true
}

func isProgressLine(line string) bool {
	for _, marker := range progressMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func classifyLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") ||
		strings.Contains(lower, "failed") || strings.Contains(lower, "fatal"):
		return store.LevelError
	case strings.Contains(lower, "warning") || strings.Contains(lower, "deprecated"):
		return store.LevelWarning
	case strings.Contains(lower, "debug"):
		return store.LevelDebug
	default:
		return store.LevelInfo
	}
}
