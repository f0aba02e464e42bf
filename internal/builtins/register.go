// ABOUTME: Registers every builtin tool with a tool runner
// ABOUTME: Called once at startup with the note store

package builtins

import (
	"fmt"

	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

// Register adds every builtin tool to the runner.
func Register(r *tools.Runner, notes store.NoteStore) error {
	all := append(NoteTools(notes), ClockTool(nil))
	for _, t := range all {
		if err := r.RegisterTool(t); err != nil {
			return fmt.Errorf("registering builtin %s: %w", t.Name, err)
		}
	}
	return nil
}
