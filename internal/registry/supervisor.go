package registry

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Supervisor starts and stops the processes behind registry entries. The
// registry never holds its lock while calling into it.
type Supervisor interface {
	Execute(app *Application)
	Disable(app *Application)
	Destroy(app *Application)
}

// LogSupervisor records lifecycle calls without running anything. The
// daemon uses it when no process manager is attached.
type LogSupervisor struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded supervisor call.
type Event struct {
	Op   string
	Name string
}

func (s *LogSupervisor) Execute(app *Application) { s.record("execute", app) }
func (s *LogSupervisor) Disable(app *Application) { s.record("disable", app) }
func (s *LogSupervisor) Destroy(app *Application) { s.record("destroy", app) }

func (s *LogSupervisor) record(op string, app *Application) {
	log.Info().Str("op", op).Str("app", app.Name).Bool("enabled", app.Enabled).Msg("supervisor")
	s.mu.Lock()
	s.events = append(s.events, Event{Op: op, Name: app.Name})
	s.mu.Unlock()
}

// Events returns the calls seen so far, oldest first.
func (s *LogSupervisor) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
