package supervisor

// Process table helpers. Experiment processes are identified by the
// EOLO_EXPERIMENT_ID environment variable, which survives re-parenting
// and shell wrapping; command-line matching is only a fallback for
// processes whose environment cannot be read.

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// EnvVarExperimentID carries the experiment id into the training process
// and all of its children.
const EnvVarExperimentID = "EOLO_EXPERIMENT_ID"

// recentProcessWindow bounds the command-line fallback during pid
// resolution to processes created since the launch.
const recentProcessWindow = 10 * time.Second

// processExperimentID reads the experiment id from a process's
// environment. ok is false when the variable is absent or the
// environment is unreadable.
func processExperimentID(p *process.Process) (uint, bool) {
	env, err := p.Environ()
	if err != nil {
		return 0, false
	}
	prefix := EnvVarExperimentID + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			id, err := strconv.ParseUint(strings.TrimPrefix(kv, prefix), 10, 64)
			if err != nil {
				return 0, false
			}
			return uint(id), true
		}
	}
	return 0, false
}

// findExperimentPID resolves the pid of the actually-launched training
// process. Process creation is asynchronous, so the scan retries with a
// delay. The environment variable is authoritative; a command-line
// pattern plus recency check is used only when the environment is
// unreadable.
func findExperimentPID(expID uint, command string, attempts int, delay time.Duration) (int32, error) {
	for attempt := 0; attempt < attempts; attempt++ {
		procs, err := process.Processes()
		if err != nil {
			log.Debug().Err(err).Msg("could not list processes")
		}
		for _, p := range procs {
			if id, ok := processExperimentID(p); ok {
				if id == expID {
					return p.Pid, nil
				}
				continue
			}

			cmdline, err := p.Cmdline()
			if err != nil || cmdline == "" {
				continue
			}
			if !matchesTrainingCommand(cmdline, command) {
				continue
			}
			created, err := p.CreateTime()
			if err != nil {
				continue
			}
			if time.Since(time.UnixMilli(created)) < recentProcessWindow {
				log.Info().Int32("pid", p.Pid).Str("cmdline", cmdline).
					Msg("matched training process by command line")
				return p.Pid, nil
			}
		}
		if attempt < attempts-1 {
			time.Sleep(delay)
		}
	}
	return 0, fmt.Errorf("no process found for experiment %d after %d attempts", expID, attempts)
}

func matchesTrainingCommand(cmdline, command string) bool {
	if !strings.Contains(cmdline, "train.py") {
		return false
	}
	return strings.Contains(cmdline, "uv run") || strings.Contains(cmdline, "python")
}

// killAllExperimentProcesses terminates every process carrying the
// experiment's identifying environment variable, escalating to SIGKILL
// after the timeout. A job may have spawned children that escaped the
// direct process tree, so this sweeps the whole table.
func killAllExperimentProcesses(expID uint, timeout time.Duration) []int32 {
	var killed []int32
	procs, err := process.Processes()
	if err != nil {
		log.Error().Err(err).Msg("could not list processes")
		return nil
	}
	for _, p := range procs {
		id, ok := processExperimentID(p)
		if !ok || id != expID {
			continue
		}
		if err := p.Terminate(); err != nil {
			continue
		}
		if err := waitForExit(p.Pid, timeout); err != nil {
			p.Kill()
			waitForExit(p.Pid, 2*time.Second)
		}
		killed = append(killed, p.Pid)
	}
	if len(killed) > 0 {
		log.Info().Uint("jid", expID).Ints32("pids", killed).Msg("terminated experiment processes")
	}
	return killed
}

// killProcessTree terminates a process and all of its descendants,
// children first, escalating to SIGKILL for anything still alive after
// cleanupTimeout.
func killProcessTree(pid int32, cleanupTimeout, terminationTimeout time.Duration) {
	parent, err := process.NewProcess(pid)
	if err != nil {
		return // already gone
	}

	children := descendants(parent)
	for _, child := range children {
		child.Terminate()
	}
	deadline := time.Now().Add(cleanupTimeout)
	for _, child := range children {
		remaining := time.Until(deadline)
		if remaining <= 0 || waitForExit(child.Pid, remaining) != nil {
			child.Kill()
		}
	}

	parent.Terminate()
	if err := waitForExit(pid, terminationTimeout); err != nil {
		parent.Kill()
	}
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	all := make([]*process.Process, 0, len(children))
	for _, child := range children {
		all = append(all, child)
		all = append(all, descendants(child)...)
	}
	return all
}

// waitForExit polls until the process is gone or the timeout elapses.
// gopsutil cannot waitpid on a non-child, so polling is the only option
// for detached processes.
func waitForExit(pid int32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		exists, err := process.PidExists(pid)
		if err != nil || !exists {
			return nil
		}
		if p, err := process.NewProcess(pid); err == nil {
			if statuses, err := p.Status(); err == nil && contains(statuses, process.Zombie) {
				return nil // dead, awaiting reap by its parent
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process %d still alive after %s", pid, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// taggedProcess is one process-table entry carrying the experiment env
// var. The scan is a seam so recovery paths can be tested without a
// live process table.
type taggedProcess struct {
	pid     int32
	expID   uint
	cmdline string
}

func scanTaggedProcesses() ([]taggedProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	var tagged []taggedProcess
	for _, p := range procs {
		id, ok := processExperimentID(p)
		if !ok {
			continue
		}
		cmdline, _ := p.Cmdline()
		tagged = append(tagged, taggedProcess{pid: p.Pid, expID: id, cmdline: cmdline})
	}
	return tagged, nil
}
