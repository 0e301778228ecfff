// Package presets loads interval durations from a YAML file and keeps them
// current while the file is edited.
package presets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind is the type of a Pomodoro interval.
type Kind string

const (
	KindWork       Kind = "work"
	KindShortBreak Kind = "short_break"
	KindLongBreak  Kind = "long_break"
)

// ParseKind maps a wire value to a Kind. Empty selects work.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindWork:
		return KindWork, nil
	case KindShortBreak, KindLongBreak:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown interval kind: %q", s)
}

// Presets holds the durations and cycle rules for new timers.
type Presets struct {
	WorkDuration   time.Duration `yaml:"work_duration"`
	ShortBreak     time.Duration `yaml:"short_break"`
	LongBreak      time.Duration `yaml:"long_break"`
	LongBreakAfter int           `yaml:"long_break_after"`
	AutoStartBreak bool          `yaml:"auto_start_break"`
	AutoStartWork  bool          `yaml:"auto_start_work"`
}

type file struct {
	Pomodoro Presets `yaml:"pomodoro"`
}

// Default returns the classic 25/5/15 cycle.
func Default() Presets {
	return Presets{
		WorkDuration:   25 * time.Minute,
		ShortBreak:     5 * time.Minute,
		LongBreak:      15 * time.Minute,
		LongBreakAfter: 4,
	}
}

// Duration returns the configured length of an interval kind.
func (p Presets) Duration(k Kind) time.Duration {
	switch k {
	case KindShortBreak:
		return p.ShortBreak
	case KindLongBreak:
		return p.LongBreak
	default:
		return p.WorkDuration
	}
}

// AutoStart reports whether an interval of kind k starts on its own when the
// previous one completes.
func (p Presets) AutoStart(k Kind) bool {
	if k == KindWork {
		return p.AutoStartWork
	}
	return p.AutoStartBreak
}

// Next returns the interval that follows k, given how many work intervals
// have been completed so far (including the one that just ended).
func (p Presets) Next(k Kind, completedWork int) Kind {
	if k != KindWork {
		return KindWork
	}
	if p.LongBreakAfter > 0 && completedWork > 0 && completedWork%p.LongBreakAfter == 0 {
		return KindLongBreak
	}
	return KindShortBreak
}

// Validate rejects presets a timer could not run with.
func (p Presets) Validate() error {
	if p.WorkDuration <= 0 || p.ShortBreak <= 0 || p.LongBreak <= 0 {
		return fmt.Errorf("durations must be positive (work=%s short=%s long=%s)",
			p.WorkDuration, p.ShortBreak, p.LongBreak)
	}
	if p.LongBreakAfter < 1 {
		return fmt.Errorf("long_break_after must be at least 1, got %d", p.LongBreakAfter)
	}
	return nil
}

// Load reads presets from path. A missing file is created with Default().
func Load(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		p := Default()
		if err := Save(path, p); err != nil {
			return Presets{}, err
		}
		return p, nil
	}
	if err != nil {
		return Presets{}, fmt.Errorf("read presets: %w", err)
	}

	return parse(data)
}

func read(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Presets{}, fmt.Errorf("read presets: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (Presets, error) {
	f := file{Pomodoro: Default()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Presets{}, fmt.Errorf("parse presets: %w", err)
	}
	if err := f.Pomodoro.Validate(); err != nil {
		return Presets{}, fmt.Errorf("invalid presets: %w", err)
	}
	return f.Pomodoro, nil
}

// Save writes presets to path, creating its directory.
func Save(path string, p Presets) error {
	data, err := yaml.Marshal(file{Pomodoro: p})
	if err != nil {
		return fmt.Errorf("marshal presets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create presets dir: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
