package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Experiment lifecycle states. Completed, error and interrupted are
// terminal: only an explicit user reset may leave them.
const (
	StatusPending     = "pending"
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
	StatusCompleted   = "completed"
)

// Experiment is one user-submitted training run.
type Experiment struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:200;not null"`
	Description string
	User        string `gorm:"size:150;index"`

	TaskType      string `gorm:"size:20;default:detect"`
	ModelConfigs  string // comma-separated model config paths
	SettingConfig string `gorm:"size:200"`
	Dataset       string `gorm:"size:200"`
	Epochs        int    `gorm:"default:100"`
	BatchSize     int    `gorm:"default:16"`
	Device        string `gorm:"size:20;default:auto"`
	Scale         string `gorm:"size:1;default:n"`
	Group         string `gorm:"size:100"`
	ExpTimestamp  string `gorm:"size:50"`
	ProjectName   string `gorm:"size:100"`

	Status  string `gorm:"size:20;default:pending;index"`
	Command string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	LogFile      string `gorm:"size:500"`
	ResultFile   string `gorm:"size:500"`
	ErrorMessage string
}

// ExperimentLog is one emitted (or coalesced progress) line for an
// experiment, ordered oldest first.
type ExperimentLog struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	ExperimentID uint `gorm:"index;not null"`
	Timestamp    time.Time
	Level        string `gorm:"size:20;default:INFO"`
	Message      string
}

// Log severity levels.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// BeforeSave stamps the experiment timestamp on first save and keeps the
// launch command in sync with the configuration. The command is cache, not
// source of truth: it is always re-derivable from the other fields.
func (e *Experiment) BeforeSave(tx *gorm.DB) error {
	if e.ExpTimestamp == "" {
		e.ExpTimestamp = "t" + time.Now().Format("20060102150405")
	}
	e.GenerateCommand()
	return nil
}

// GenerateCommand regenerates the training command from the experiment
// configuration. Regenerating from unchanged configuration yields a
// byte-identical string.
func (e *Experiment) GenerateCommand() string {
	var modelParam string
	if e.ModelConfigs != "" {
		var formatted []string
		for _, model := range strings.Split(e.ModelConfigs, ",") {
			model = strings.TrimSpace(model)
			if model == "" {
				continue
			}
			// model names containing spaces need quoting after the last
			// path separator so the training CLI parses them as one value
			if strings.Contains(model, " ") && !(strings.HasPrefix(model, `"`) && strings.HasSuffix(model, `"`)) {
				if i := strings.LastIndex(model, "/"); i != -1 {
					model = model[:i+1] + `"` + model[i+1:] + `"`
				} else {
					model = `"` + model + `"`
				}
			}
			formatted = append(formatted, model)
		}
		modelParam = "model=" + strings.Join(formatted, ",")
	}

	parts := []string{"uv run --quiet src/train.py -m"}
	if modelParam != "" {
		parts = append(parts, modelParam)
	}
	if e.SettingConfig != "" {
		parts = append(parts, "setting="+e.SettingConfig)
	}
	parts = append(parts,
		"data="+e.Dataset,
		fmt.Sprintf("epochs=%d", e.Epochs),
		fmt.Sprintf("batch=%d", e.BatchSize),
		fmt.Sprintf("device=%q", e.Device),
		"model.scale="+e.Scale,
		"logger.exp_timestamp="+e.ExpTimestamp,
	)
	if e.ProjectName != "" {
		parts = append(parts, "project_name="+e.ProjectName)
	}
	if e.Group != "" {
		parts = append(parts, "logger.group="+e.Group)
	}

	e.Command = strings.Join(parts, " ")
	return e.Command
}

// Terminal reports whether the experiment is in a terminal state.
func (e *Experiment) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusError, StatusInterrupted:
		return true
	}
	return false
}

// Start marks the experiment running and stamps the start time.
func (e *Experiment) Start() {
	now := time.Now()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.GenerateCommand()
}

// Complete marks the experiment finished successfully.
func (e *Experiment) Complete() {
	now := time.Now()
	e.Status = StatusCompleted
	e.CompletedAt = &now
}

// Interrupt marks the experiment stopped by the user.
func (e *Experiment) Interrupt(message string) {
	now := time.Now()
	e.Status = StatusInterrupted
	e.CompletedAt = &now
	if message != "" {
		e.ErrorMessage = message
	}
}

// Fail marks the experiment failed.
func (e *Experiment) Fail(message string) {
	now := time.Now()
	e.Status = StatusError
	e.CompletedAt = &now
	if message != "" {
		e.ErrorMessage = message
	}
}

// Queue marks the experiment as waiting for a device.
func (e *Experiment) Queue() {
	e.Status = StatusQueued
}

// Reset returns a terminal experiment to pending so it can be
// resubmitted, clearing timestamps and error text.
func (e *Experiment) Reset() {
	e.Status = StatusPending
	e.StartedAt = nil
	e.CompletedAt = nil
	e.ErrorMessage = ""
}
