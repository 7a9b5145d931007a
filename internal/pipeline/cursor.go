// Package pipeline holds the cursor that threads a multi-step bot automation
// through successive queue jobs.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
)

// Step names one bot command invocation.
type Step struct {
	Bot        string         `json:"bot"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Cursor is the full ordered step list plus the index of the step to run next.
// It travels inside the job payload so a pipeline survives process restarts.
type Cursor struct {
	Steps []Step `json:"steps"`
	Index int    `json:"stepIndex"`
}

// Validate rejects empty pipelines, out-of-range cursors and nameless steps.
func (c Cursor) Validate() error {
	if len(c.Steps) == 0 {
		return errs.Validation("pipeline has no steps")
	}
	if c.Index < 0 || c.Index >= len(c.Steps) {
		return errs.Validation("step index %d out of range for %d steps", c.Index, len(c.Steps))
	}
	for i, s := range c.Steps {
		if strings.TrimSpace(s.Bot) == "" || strings.TrimSpace(s.Command) == "" {
			return errs.Validation("step %d requires bot and command", i)
		}
	}
	return nil
}

// Current returns the step the cursor points at.
func (c Cursor) Current() (Step, bool) {
	if c.Index < 0 || c.Index >= len(c.Steps) {
		return Step{}, false
	}
	return c.Steps[c.Index], true
}

// Next returns the advanced cursor and whether another step remains.
func (c Cursor) Next() (Cursor, bool) {
	if c.Index+1 >= len(c.Steps) {
		return c, false
	}
	return Cursor{Steps: c.Steps, Index: c.Index + 1}, true
}

// String renders "2/3 bot:command" for logs.
func (c Cursor) String() string {
	step, ok := c.Current()
	if !ok {
		return fmt.Sprintf("%d/%d", c.Index+1, len(c.Steps))
	}
	return fmt.Sprintf("%d/%d %s:%s", c.Index+1, len(c.Steps), step.Bot, step.Command)
}
