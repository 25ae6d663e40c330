package scheduler

// GPU-aware queue scheduler. Queued experiments are grouped by their
// device string and at most one experiment per device group is promoted
// each tick, so a freshly launched job has claimed its memory before the
// next candidate for the same GPUs is considered.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benderick/EOLO-WEB/internal/config"
	"github.com/benderick/EOLO-WEB/internal/gpu"
	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/benderick/EOLO-WEB/internal/supervisor"
	"github.com/rs/zerolog/log"
)

// launcher is the slice of the supervisor the scheduler drives.
type launcher interface {
	StartExperiment(ctx context.Context, expID uint, force bool) (supervisor.StartResult, error)
	GPUClaims(ctx context.Context) map[int]uint
	Supervised(expID uint) bool
}

var errSkip = errors.New("skip candidate")

type Scheduler struct {
	store    *store.Store
	sup      launcher
	gpus     gpu.Prober
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(st *store.Store, sup launcher, gpus gpu.Prober) *Scheduler {
	if gpus == nil {
		gpus = gpu.NewProbe()
	}
	return &Scheduler{
		store:    st,
		sup:      sup,
		gpus:     gpus,
		interval: config.Get(config.SCHEDULER_CHECK_INTERVAL),
	}
}

// Start launches the scheduling loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log.Info().Dur("interval", s.interval).Msg("queue scheduler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.processQueue(ctx)
			}
		}
	}()
}

// Stop halts the scheduling loop and waits for the current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("queue scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue places an experiment on the queue. Pending, failed and
// interrupted experiments may be queued; running ones may not.
func (s *Scheduler) Enqueue(expID uint) error {
	err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		switch exp.Status {
		case store.StatusQueued:
			return nil
		case store.StatusRunning:
			return fmt.Errorf("experiment %d is running", expID)
		case store.StatusCompleted:
			return fmt.Errorf("experiment %d already completed, reset it first", expID)
		default:
			exp.Queue()
			return nil
		}
	})
	if err != nil {
		return err
	}
	if _, err := s.store.AppendLog(expID, store.LevelInfo, "experiment added to queue"); err != nil {
		log.Error().Err(err).Uint("jid", expID).Msg("could not write experiment log")
	}
	return nil
}

// Dequeue takes a queued experiment back to pending.
func (s *Scheduler) Dequeue(expID uint) error {
	return s.store.WithLock(expID, func(exp *store.Experiment) error {
		if exp.Status != store.StatusQueued {
			return fmt.Errorf("experiment %d is not queued", expID)
		}
		exp.Status = store.StatusPending
		return nil
	})
}

// processQueue runs one scheduling tick.
func (s *Scheduler) processQueue(ctx context.Context) {
	queued, err := s.store.ListByStatus(store.StatusQueued)
	if err != nil {
		log.Error().Err(err).Msg("could not list queued experiments")
		return
	}
	if len(queued) == 0 {
		return
	}

	groups, order := groupByDevice(queued)
	claims := s.sup.GPUClaims(ctx)

	for _, device := range order {
		s.processGroup(ctx, device, groups[device], claims)
	}
}

// processGroup promotes at most one experiment from a device group.
func (s *Scheduler) processGroup(ctx context.Context, device string, group []*store.Experiment, claims map[int]uint) {
	indices := gpu.ParseDeviceString(device)
	for _, idx := range indices {
		if owner, busy := claims[idx]; busy {
			log.Debug().Str("gpus", device).Int("gpu", idx).Uint("owner", owner).
				Msg("device group blocked by running experiment")
			return
		}
	}

	check := s.gpus.CheckAvailability(ctx, device)
	if !check.Available {
		log.Debug().Str("gpus", device).Str("reason", check.Message).Msg("device group busy")
		return
	}

	for _, exp := range group {
		started, err := s.tryStart(ctx, exp.ID)
		if err != nil {
			log.Error().Err(err).Uint("jid", exp.ID).Msg("could not start queued experiment")
		}
		if started {
			// One launch per group per tick: the new process must claim
			// its memory before the next candidate is measured.
			for _, idx := range indices {
				claims[idx] = exp.ID
			}
			return
		}
	}
}

// tryStart claims a queued experiment and launches it. The claim happens
// under the row lock with a fresh availability check; the launch itself
// runs outside the lock and is forced, since the gate already passed.
func (s *Scheduler) tryStart(ctx context.Context, expID uint) (bool, error) {
	var device string
	err := s.store.WithLock(expID, func(exp *store.Experiment) error {
		if exp.Status != store.StatusQueued {
			return errSkip
		}
		device = exp.Device
		check := s.gpus.CheckAvailability(ctx, device)
		if !check.Available {
			return errSkip
		}
		exp.Status = store.StatusPending
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = s.sup.StartExperiment(ctx, expID, true)
	if err != nil {
		if isGPUFailure(err) {
			// Transient resource failure: back on the queue for the
			// next tick instead of a terminal error.
			requeue := s.store.WithLock(expID, func(exp *store.Experiment) error {
				if exp.Status == store.StatusPending || exp.Status == store.StatusError {
					exp.Queue()
				}
				return nil
			})
			if requeue != nil {
				log.Error().Err(requeue).Uint("jid", expID).Msg("could not requeue experiment")
			}
			s.store.AppendLog(expID, store.LevelWarning,
				fmt.Sprintf("launch hit a GPU failure, requeued: %v", err))
			return false, nil
		}
		// A launch error before the supervisor touched the record leaves
		// it pending, where nothing would ever pick it up again.
		settle := s.store.WithLock(expID, func(exp *store.Experiment) error {
			if exp.Status == store.StatusPending {
				exp.Fail(fmt.Sprintf("launch failed: %v", err))
			}
			return nil
		})
		if settle != nil {
			log.Error().Err(settle).Uint("jid", expID).Msg("could not settle failed launch")
		}
		return false, err
	}
	log.Info().Uint("jid", expID).Str("gpus", device).Msg("queued experiment started")
	return true, nil
}

// isGPUFailure classifies launch errors that indicate GPU or memory
// pressure rather than a broken experiment.
func isGPUFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "gpu") || strings.Contains(msg, "memory") ||
		strings.Contains(msg, "cuda")
}

// groupByDevice buckets experiments by their raw device string, keeping
// the order devices first appear. Equivalent specifiers like "0" and
// "[0]" form separate groups; the cross-group conflict check covers the
// overlap.
func groupByDevice(exps []*store.Experiment) (map[string][]*store.Experiment, []string) {
	groups := make(map[string][]*store.Experiment)
	var order []string
	for _, exp := range exps {
		if _, seen := groups[exp.Device]; !seen {
			order = append(order, exp.Device)
		}
		groups[exp.Device] = append(groups[exp.Device], exp)
	}
	return groups, order
}

// GroupStatus describes one device group in the queue.
type GroupStatus struct {
	Count       int                `json:"count"`
	Experiments []QueuedExperiment `json:"experiments"`
}

type QueuedExperiment struct {
	ID            uint    `json:"id"`
	Name          string  `json:"name"`
	User          string  `json:"user"`
	QueuedSeconds float64 `json:"queued_seconds"`
}

// QueueStatus is the snapshot returned to the request layer.
type QueueStatus struct {
	SchedulerRunning bool                   `json:"scheduler_running"`
	CheckInterval    float64                `json:"check_interval"`
	TotalQueued      int                    `json:"total_queued"`
	DeviceGroups     map[string]GroupStatus `json:"device_groups"`
}

// Status reports the current queue grouped by device.
func (s *Scheduler) Status() (QueueStatus, error) {
	queued, err := s.store.ListByStatus(store.StatusQueued)
	if err != nil {
		return QueueStatus{}, err
	}

	status := QueueStatus{
		SchedulerRunning: s.Running(),
		CheckInterval:    s.interval.Seconds(),
		TotalQueued:      len(queued),
		DeviceGroups:     make(map[string]GroupStatus),
	}
	groups, order := groupByDevice(queued)
	for _, device := range order {
		gs := GroupStatus{Count: len(groups[device])}
		for _, exp := range groups[device] {
			gs.Experiments = append(gs.Experiments, QueuedExperiment{
				ID:            exp.ID,
				Name:          exp.Name,
				User:          exp.User,
				QueuedSeconds: time.Since(exp.UpdatedAt).Seconds(),
			})
		}
		status.DeviceGroups[device] = gs
	}
	return status, nil
}
