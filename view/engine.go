package view

import (
	"time"

	"taskmaster/domain"
)

// Engine binds Filter and Summarize to a clock.
type Engine struct {
	Now func() time.Time
}

// NewEngine returns an Engine reading the local wall clock.
func NewEngine() Engine {
	return Engine{Now: time.Now}
}

// In returns an Engine whose clock reads in loc, so "today" and the end of
// a due day follow that location.
func (e Engine) In(loc *time.Location) Engine {
	return Engine{Now: func() time.Time { return e.now().In(loc) }}
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Engine) Filter(tasks []domain.Task, spec Spec) []domain.Task {
	return Filter(tasks, spec, e.now())
}

func (e Engine) Stats(tasks []domain.Task) Stats {
	return Summarize(tasks, e.now())
}

// Result is a rendered view: the visible tasks and the full-set statistics.
type Result struct {
	Tasks []domain.Task `json:"tasks"`
	Stats Stats         `json:"stats"`
}

// Render filters and summarizes against a single clock reading so both
// halves agree on what "today" is.
func (e Engine) Render(tasks []domain.Task, spec Spec) Result {
	now := e.now()
	return Result{Tasks: Filter(tasks, spec, now), Stats: Summarize(tasks, now)}
}
