package store_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/benderick/EOLO-WEB/internal/store"
)

func newExperiment(name string) *store.Experiment {
	return &store.Experiment{
		Name:          name,
		User:          "alice",
		ModelConfigs:  "cfg/yolo11.yaml",
		SettingConfig: "default",
		Dataset:       "coco.yaml",
		Epochs:        100,
		BatchSize:     16,
		Device:        "0",
		Scale:         "n",
		Status:        store.StatusPending,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eolo.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st
}

func TestExperimentLifecycle(t *testing.T) {
	st := openStore(t)

	exp := newExperiment("lifecycle")
	if err := st.Create(exp); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	if exp.ID == 0 {
		t.Fatal("expected an assigned id")
	}

	t.Run("CommandGenerated", func(t *testing.T) {
		if exp.Command == "" {
			t.Fatal("expected a generated command")
		}
		for _, want := range []string{
			"uv run --quiet src/train.py -m",
			"model=cfg/yolo11.yaml",
			"data=coco.yaml",
			"epochs=100",
			"batch=16",
			`device="0"`,
			"model.scale=n",
			"logger.exp_timestamp=t",
		} {
			if !strings.Contains(exp.Command, want) {
				t.Errorf("command missing %q: %s", want, exp.Command)
			}
		}
	})

	t.Run("CommandIdempotent", func(t *testing.T) {
		before := exp.Command
		if got := exp.GenerateCommand(); got != before {
			t.Errorf("regeneration changed command:\n%s\n%s", before, got)
		}
	})

	t.Run("QueueThenStart", func(t *testing.T) {
		err := st.WithLock(exp.ID, func(e *store.Experiment) error {
			e.Queue()
			return nil
		})
		if err != nil {
			t.Fatalf("queue failed: %v", err)
		}
		err = st.WithLock(exp.ID, func(e *store.Experiment) error {
			e.Start()
			return nil
		})
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}

		got, err := st.Get(exp.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Status != store.StatusRunning {
			t.Fatalf("expected running, got %s", got.Status)
		}
		if got.StartedAt == nil {
			t.Error("expected a start timestamp")
		}
	})

	t.Run("FailIsTerminal", func(t *testing.T) {
		err := st.WithLock(exp.ID, func(e *store.Experiment) error {
			e.Fail("exit code 1")
			return nil
		})
		if err != nil {
			t.Fatalf("fail failed: %v", err)
		}
		got, _ := st.Get(exp.ID)
		if !got.Terminal() {
			t.Fatalf("expected terminal status, got %s", got.Status)
		}
		if got.ErrorMessage != "exit code 1" {
			t.Errorf("unexpected error message: %q", got.ErrorMessage)
		}
	})

	t.Run("TerminalSticks", func(t *testing.T) {
		// A monitor that re-reads before writing must see the terminal
		// status and leave it alone.
		err := st.WithLock(exp.ID, func(e *store.Experiment) error {
			if e.Terminal() {
				return nil
			}
			e.Complete()
			return nil
		})
		if err != nil {
			t.Fatalf("withlock failed: %v", err)
		}
		got, _ := st.Get(exp.ID)
		if got.Status != store.StatusError {
			t.Fatalf("terminal status was overwritten: %s", got.Status)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		err := st.WithLock(exp.ID, func(e *store.Experiment) error {
			e.Reset()
			return nil
		})
		if err != nil {
			t.Fatalf("reset failed: %v", err)
		}
		got, _ := st.Get(exp.ID)
		if got.Status != store.StatusPending {
			t.Fatalf("expected pending after reset, got %s", got.Status)
		}
		if got.StartedAt != nil || got.CompletedAt != nil || got.ErrorMessage != "" {
			t.Error("reset did not clear run state")
		}
	})
}

func TestModelNameQuoting(t *testing.T) {
	exp := newExperiment("quoting")
	exp.ModelConfigs = "cfg/models/my model.yaml, cfg/plain.yaml"
	cmd := exp.GenerateCommand()
	if !strings.Contains(cmd, `model=cfg/models/"my model.yaml",cfg/plain.yaml`) {
		t.Fatalf("model names with spaces not quoted: %s", cmd)
	}

	// Already-quoted names stay untouched.
	exp.ModelConfigs = `"spaced name.yaml"`
	cmd = exp.GenerateCommand()
	if !strings.Contains(cmd, `model="spaced name.yaml"`) {
		t.Fatalf("pre-quoted model name was re-quoted: %s", cmd)
	}
}

func TestListByStatusOrdering(t *testing.T) {
	st := openStore(t)

	for _, name := range []string{"first", "second", "third"} {
		exp := newExperiment(name)
		exp.Status = store.StatusQueued
		if err := st.Create(exp); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	queued, err := st.ListByStatus(store.StatusQueued)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(queued))
	}
	// Oldest first: the scheduler promotes in submission order.
	if queued[0].Name != "first" || queued[2].Name != "third" {
		t.Errorf("wrong order: %s, %s, %s", queued[0].Name, queued[1].Name, queued[2].Name)
	}
}

func TestExperimentLogs(t *testing.T) {
	st := openStore(t)
	exp := newExperiment("logs")
	if err := st.Create(exp); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := st.AppendLog(exp.ID, store.LevelInfo, "line"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	t.Run("Pagination", func(t *testing.T) {
		page, err := st.Logs(exp.ID, 2, 2)
		if err != nil {
			t.Fatalf("logs failed: %v", err)
		}
		if len(page) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(page))
		}
	})

	t.Run("UpdateInPlace", func(t *testing.T) {
		entry, err := st.AppendLog(exp.ID, store.LevelInfo, "10%|█ | 10/100")
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := st.UpdateLog(entry.ID, "50%|█████ | 50/100"); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		all, _ := st.Logs(exp.ID, 0, 100)
		last := all[len(all)-1]
		if last.ID != entry.ID || !strings.Contains(last.Message, "50/100") {
			t.Errorf("entry not updated in place: %+v", last)
		}
	})

	t.Run("LogsAfter", func(t *testing.T) {
		all, _ := st.Logs(exp.ID, 0, 100)
		newer, err := st.LogsAfter(exp.ID, all[2].ID, 0)
		if err != nil {
			t.Fatalf("logsafter failed: %v", err)
		}
		if len(newer) != len(all)-3 {
			t.Errorf("expected %d newer entries, got %d", len(all)-3, len(newer))
		}
	})

	t.Run("DeleteRemovesLogs", func(t *testing.T) {
		if err := st.Delete(exp.ID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		logs, err := st.Logs(exp.ID, 0, 100)
		if err != nil {
			t.Fatalf("logs failed: %v", err)
		}
		if len(logs) != 0 {
			t.Errorf("expected no logs after delete, got %d", len(logs))
		}
	})
}

func TestDeleteRefusesRunning(t *testing.T) {
	st := openStore(t)
	exp := newExperiment("running")
	if err := st.Create(exp); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	st.WithLock(exp.ID, func(e *store.Experiment) error {
		e.Start()
		return nil
	})
	if err := st.Delete(exp.ID); err == nil {
		t.Fatal("expected delete of a running experiment to fail")
	}
}
