package supervisor

// Crash recovery. Breadcrumbs written at launch time let a freshly
// started supervisor reattach to training processes that survived a
// restart; the orphan scan catches processes that lost their breadcrumb
// as well.

import (
	"fmt"

	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// RestoreReport summarizes a breadcrumb recovery pass.
type RestoreReport struct {
	Restored int
	Ended    int
}

// Restore walks the breadcrumbs left by a previous supervisor and
// reattaches monitoring to every process that is still alive. Processes
// that died while the supervisor was down get their record settled.
func (s *Supervisor) Restore() (RestoreReport, error) {
	crumbs, err := s.crumbs.List()
	if err != nil {
		return RestoreReport{}, fmt.Errorf("could not list breadcrumbs: %w", err)
	}

	var report RestoreReport
	for _, crumb := range crumbs {
		if s.Supervised(crumb.ExperimentID) {
			continue
		}
		if s.breadcrumbProcessAlive(crumb) {
			s.reattach(crumb)
			report.Restored++
			continue
		}

		// Process ended while nobody was watching; no exit code is
		// recoverable, but the sentinel may still be in the log.
		if err := s.crumbs.Delete(crumb.ExperimentID); err != nil {
			log.Error().Err(err).Uint("jid", crumb.ExperimentID).Msg("could not delete breadcrumb")
		}
		err := s.store.WithLock(crumb.ExperimentID, func(exp *store.Experiment) error {
			if !exp.Terminal() {
				exp.Fail("process ended while the supervisor was down")
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Uint("jid", crumb.ExperimentID).Msg("could not settle dead experiment")
			continue
		}
		s.appendLog(crumb.ExperimentID, store.LevelError, "process ended while the supervisor was down")
		report.Ended++
	}

	log.Info().Int("restored", report.Restored).Int("ended", report.Ended).Msg("breadcrumb recovery finished")
	return report, nil
}

// breadcrumbProcessAlive verifies the breadcrumb's pid still belongs to
// the experiment it claims. Pid reuse is the risk here, so the process
// must carry the experiment env var or run the recorded command.
func (s *Supervisor) breadcrumbProcessAlive(crumb Breadcrumb) bool {
	p, err := process.NewProcess(crumb.PID)
	if err != nil {
		return false
	}
	if running, err := p.IsRunning(); err != nil || !running {
		return false
	}
	if id, ok := processExperimentID(p); ok {
		return id == crumb.ExperimentID
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return matchesTrainingCommand(cmdline, crumb.Command)
}

func (s *Supervisor) reattach(crumb Breadcrumb) {
	expID := crumb.ExperimentID
	h := RestoredHandle(crumb, func() { s.killAll(expID) })
	s.addHandle(h)

	err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		exp.Status = store.StatusRunning
		if crumb.LogFile != "" {
			exp.LogFile = crumb.LogFile
		}
		exp.ErrorMessage = ""
		return nil
	})
	if err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not mark restored experiment running")
	}

	s.appendLog(expID, store.LevelInfo, "monitoring restored after supervisor restart")
	s.startTailer(h)
	s.startMonitor(h)
	log.Info().Uint("jid", expID).Int32("pid", crumb.PID).Msg("reattached to running experiment")
}

// OrphanReport summarizes an orphan scan.
type OrphanReport struct {
	Found    int
	Restored int
	Cleaned  int
	Errors   []string
}

// ScanOrphans sweeps the process table for training processes nobody is
// monitoring. Processes whose record still says running are reattached;
// processes with no record or a settled one are killed. A store error is
// not evidence of a missing record, so those processes are skipped and
// reported instead.
func (s *Supervisor) ScanOrphans() OrphanReport {
	var report OrphanReport
	procs, err := s.scanProcs()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("could not list processes: %v", err))
		return report
	}

	for _, p := range procs {
		if s.Supervised(p.expID) {
			continue
		}
		report.Found++

		exp, err := s.store.Get(p.expID)
		if err != nil {
			if !store.IsNotFound(err) {
				report.Errors = append(report.Errors,
					fmt.Sprintf("could not load experiment %d for pid %d: %v", p.expID, p.pid, err))
				continue
			}
			// No record to reattach to; the process has nothing to
			// report to and must not keep a GPU.
			log.Warn().Uint("jid", p.expID).Int32("pid", p.pid).Msg("killing process of unknown experiment")
			s.killTree(p.pid)
			report.Cleaned++
			report.Errors = append(report.Errors,
				fmt.Sprintf("pid %d claimed unknown experiment %d, killed", p.pid, p.expID))
			continue
		}

		if exp.Status == store.StatusRunning {
			expID := p.expID
			h := OrphanHandle(expID, p.pid, p.cmdline, exp.LogFile, func() { s.killAll(expID) })
			s.addHandle(h)
			if err := s.crumbs.Save(h); err != nil {
				log.Error().Err(err).Uint("jid", expID).Msg("could not save breadcrumb")
			}
			s.appendLog(expID, store.LevelWarning, "orphaned process found, monitoring restored")
			if exp.LogFile != "" {
				s.startTailer(h)
			}
			s.startMonitor(h)
			report.Restored++
			log.Warn().Uint("jid", expID).Int32("pid", p.pid).Msg("reattached to orphaned process")
			continue
		}

		// Record already settled: this process has no business running.
		log.Warn().Uint("jid", p.expID).Int32("pid", p.pid).Str("status", exp.Status).
			Msg("killing orphaned process with settled record")
		s.killTree(p.pid)
		report.Cleaned++
	}
	return report
}

// ForceCleanupAll stops every supervised experiment, kills any stray
// training process, and clears all breadcrumbs. Last-resort reset.
func (s *Supervisor) ForceCleanupAll() int {
	killed := 0
	for _, id := range s.SupervisedIDs() {
		if err := s.StopExperiment(id, false); err != nil {
			log.Error().Err(err).Uint("jid", id).Msg("could not stop experiment during cleanup")
			continue
		}
		killed++
	}

	if procs, err := s.scanProcs(); err == nil {
		for _, p := range procs {
			s.killTree(p.pid)
			killed++
		}
	}

	exps, err := s.store.ListByStatus(store.StatusRunning)
	if err == nil {
		for _, exp := range exps {
			s.store.WithLock(exp.ID, func(exp *store.Experiment) error {
				if !exp.Terminal() {
					exp.Fail("terminated by force cleanup")
				}
				return nil
			})
		}
	}

	if err := s.crumbs.DeleteAll(); err != nil {
		log.Error().Err(err).Msg("could not clear breadcrumbs")
	}
	log.Warn().Int("killed", killed).Msg("force cleanup finished")
	return killed
}

// Health reports consistency between handles, records and processes.
type Health struct {
	Supervised  int    `json:"supervised"`
	Breadcrumbs int    `json:"breadcrumbs"`
	Stale       []uint `json:"stale,omitempty"`
	Repaired    []uint `json:"repaired,omitempty"`
	StoreOK     bool   `json:"store_ok"`
}

// HealthCheck verifies that every supervised process is still alive and
// that the record store answers. Stale handles are reported but left to
// their monitors; running records with no handle and no live process are
// repaired by failing them.
func (s *Supervisor) HealthCheck() Health {
	health := Health{Supervised: len(s.SupervisedIDs())}

	if crumbs, err := s.crumbs.List(); err == nil {
		health.Breadcrumbs = len(crumbs)
	}
	if _, err := s.store.List(); err == nil {
		health.StoreOK = true
	}
	for _, id := range s.SupervisedIDs() {
		h := s.handleFor(id)
		if h == nil {
			continue
		}
		if _, ended := h.proc.Poll(); ended {
			health.Stale = append(health.Stale, id)
		}
	}

	// A record stuck in running with neither handle nor process is drift
	// left by a crash between breadcrumb deletion and the status write.
	if exps, err := s.store.ListByStatus(store.StatusRunning); err == nil {
		for _, exp := range exps {
			if s.Supervised(exp.ID) || s.experimentProcessExists(exp.ID) {
				continue
			}
			err := s.store.WithLock(exp.ID, func(exp *store.Experiment) error {
				if !exp.Terminal() {
					exp.Fail("no supervising process found")
				}
				return nil
			})
			if err != nil {
				log.Error().Err(err).Uint("jid", exp.ID).Msg("could not repair stuck experiment")
				continue
			}
			s.appendLog(exp.ID, store.LevelError, "no supervising process found, marked failed")
			health.Repaired = append(health.Repaired, exp.ID)
		}
	}
	return health
}

func (s *Supervisor) experimentProcessExists(expID uint) bool {
	procs, err := s.scanProcs()
	if err != nil {
		return false
	}
	for _, p := range procs {
		if p.expID == expID {
			return true
		}
	}
	return false
}
