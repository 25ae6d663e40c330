package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/benderick/EOLO-WEB/internal/gpu"
	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/benderick/EOLO-WEB/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProber struct {
	available bool
}

func (p staticProber) CheckAvailability(ctx context.Context, device string) gpu.Availability {
	return gpu.Availability{
		Available: p.available,
		Indices:   gpu.ParseDeviceString(device),
		Message:   "test probe",
	}
}

// fakeSup stands in for the supervisor: it flips records the way the
// real launcher does without spawning anything.
type fakeSup struct {
	st       *store.Store
	claims   map[int]uint
	startErr error
	// errBeforeRecord mimics a failure before the launcher ever wrote
	// the record, leaving it exactly as the scheduler handed it over.
	errBeforeRecord bool
	started         []uint
}

func (f *fakeSup) StartExperiment(ctx context.Context, expID uint, force bool) (supervisor.StartResult, error) {
	if f.startErr != nil {
		if !f.errBeforeRecord {
			f.st.WithLock(expID, func(exp *store.Experiment) error {
				exp.Fail(f.startErr.Error())
				return nil
			})
		}
		return supervisor.StartResult{}, f.startErr
	}
	f.started = append(f.started, expID)
	f.st.WithLock(expID, func(exp *store.Experiment) error {
		exp.Start()
		return nil
	})
	return supervisor.StartResult{PID: 111}, nil
}

func (f *fakeSup) GPUClaims(ctx context.Context) map[int]uint {
	if f.claims == nil {
		return map[int]uint{}
	}
	return f.claims
}

func (f *fakeSup) Supervised(expID uint) bool { return false }

func newTestScheduler(t *testing.T, available bool) (*Scheduler, *store.Store, *fakeSup) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "eolo.db"))
	require.NoError(t, err)
	sup := &fakeSup{st: st}
	sched := New(st, sup, staticProber{available: available})
	return sched, st, sup
}

func queueExperiment(t *testing.T, st *store.Store, name, device string) *store.Experiment {
	t.Helper()
	exp := &store.Experiment{
		Name:    name,
		Dataset: "coco.yaml",
		Epochs:  1,
		Device:  device,
		Scale:   "n",
		Status:  store.StatusQueued,
	}
	require.NoError(t, st.Create(exp))
	return exp
}

func TestOnePromotionPerDeviceGroup(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	first := queueExperiment(t, st, "first", "0")
	second := queueExperiment(t, st, "second", "0")

	sched.processQueue(context.Background())

	require.Len(t, sup.started, 1, "only one experiment per device group per tick")
	assert.Equal(t, first.ID, sup.started[0])

	got, _ := st.Get(second.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestIndependentGroupsPromoteTogether(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	a := queueExperiment(t, st, "a", "0")
	b := queueExperiment(t, st, "b", "1")

	sched.processQueue(context.Background())

	assert.ElementsMatch(t, []uint{a.ID, b.ID}, sup.started)
}

func TestBusyDeviceBlocksGroup(t *testing.T) {
	sched, st, sup := newTestScheduler(t, false)
	exp := queueExperiment(t, st, "waiting", "0")

	sched.processQueue(context.Background())

	assert.Empty(t, sup.started)
	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestRunningClaimBlocksOverlappingGroup(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	sup.claims = map[int]uint{0: 42}
	exp := queueExperiment(t, st, "overlap", "[0,1]")
	free := queueExperiment(t, st, "free", "2")

	sched.processQueue(context.Background())

	require.Len(t, sup.started, 1)
	assert.Equal(t, free.ID, sup.started[0])
	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestPromotionClaimsIndicesWithinTick(t *testing.T) {
	// "0" and "[0,1]" are distinct raw groups, but a promotion from the
	// first must block the second in the same tick.
	sched, st, sup := newTestScheduler(t, true)
	solo := queueExperiment(t, st, "solo", "0")
	pair := queueExperiment(t, st, "pair", "[0,1]")

	sched.processQueue(context.Background())

	require.Len(t, sup.started, 1)
	assert.Equal(t, solo.ID, sup.started[0])
	got, _ := st.Get(pair.ID)
	assert.Equal(t, store.StatusQueued, got.Status)
}

func TestGPUFailureRequeues(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	sup.startErr = fmt.Errorf("CUDA out of memory")
	exp := queueExperiment(t, st, "oom", "0")

	sched.processQueue(context.Background())

	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusQueued, got.Status, "transient GPU failure must requeue, not fail")
}

func TestNonGPUFailureStaysFailed(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	sup.startErr = fmt.Errorf("config file not found")
	exp := queueExperiment(t, st, "broken", "0")

	sched.processQueue(context.Background())

	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusError, got.Status)
}

func TestEarlyLaunchFailureSettlesPending(t *testing.T) {
	sched, st, sup := newTestScheduler(t, true)
	sup.startErr = fmt.Errorf("record store unavailable")
	sup.errBeforeRecord = true
	exp := queueExperiment(t, st, "stranded", "0")

	sched.processQueue(context.Background())

	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusError, got.Status,
		"a record left pending after a failed launch would never be picked up again")
	assert.Contains(t, got.ErrorMessage, "launch failed")
}

func TestEnqueue(t *testing.T) {
	sched, st, _ := newTestScheduler(t, true)

	cases := []struct {
		status string
		wantOK bool
	}{
		{store.StatusPending, true},
		{store.StatusError, true},
		{store.StatusInterrupted, true},
		{store.StatusQueued, true}, // no-op
		{store.StatusRunning, false},
		{store.StatusCompleted, false},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			exp := &store.Experiment{
				Name: tc.status, Dataset: "coco.yaml", Epochs: 1,
				Device: "0", Scale: "n", Status: tc.status,
			}
			require.NoError(t, st.Create(exp))

			err := sched.Enqueue(exp.ID)
			if !tc.wantOK {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got, _ := st.Get(exp.ID)
			assert.Equal(t, store.StatusQueued, got.Status)
		})
	}
}

func TestDequeue(t *testing.T) {
	sched, st, _ := newTestScheduler(t, true)
	exp := queueExperiment(t, st, "queued", "0")

	require.NoError(t, sched.Dequeue(exp.ID))
	got, _ := st.Get(exp.ID)
	assert.Equal(t, store.StatusPending, got.Status)

	assert.Error(t, sched.Dequeue(exp.ID), "dequeue of a non-queued experiment fails")
}

func TestQueueStatusGrouping(t *testing.T) {
	sched, st, _ := newTestScheduler(t, true)
	queueExperiment(t, st, "a", "0")
	queueExperiment(t, st, "b", "0")
	queueExperiment(t, st, "c", "[0,1]")

	status, err := sched.Status()
	require.NoError(t, err)

	assert.False(t, status.SchedulerRunning)
	assert.Equal(t, 3, status.TotalQueued)
	require.Len(t, status.DeviceGroups, 2)
	assert.Equal(t, 2, status.DeviceGroups["0"].Count)
	assert.Equal(t, 1, status.DeviceGroups["[0,1]"].Count)
	assert.Equal(t, "a", status.DeviceGroups["0"].Experiments[0].Name)
}

func TestStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	assert.True(t, sched.Running())
	sched.Start(ctx) // idempotent

	sched.Stop()
	assert.False(t, sched.Running())
	sched.Stop() // idempotent
}
