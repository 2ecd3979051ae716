// Package registry owns the ordered set of managed applications.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/security"
	"github.com/rs/zerolog/log"
)

// Persister writes the full daemon state to disk.
type Persister interface {
	Persist() error
}

// Registry is an ordered list of applications keyed by unique name. Exported
// methods take the lock and delegate to the unlocked helpers below; disk and
// supervisor calls run after the lock is released.
type Registry struct {
	mu   sync.Mutex
	apps []*Application

	supervisor Supervisor
	persister  Persister
	groups     security.GroupResolver
}

func New(supervisor Supervisor, persister Persister, groups security.GroupResolver) *Registry {
	if supervisor == nil {
		supervisor = &LogSupervisor{}
	}
	return &Registry{
		supervisor: supervisor,
		persister:  persister,
		groups:     groups,
	}
}

// Load registers recovered entries from the configuration document without
// persisting them again.
func (r *Registry) Load(docs []json.RawMessage) error {
	apps := make([]*Application, 0, len(docs))
	for i, raw := range docs {
		app, err := ParseApplication(raw)
		if err != nil {
			return fmt.Errorf("applications[%d]: %w", i, err)
		}
		apps = append(apps, app)
	}

	var replaced, started []*Application
	r.mu.Lock()
	for _, app := range apps {
		if old := r.upsertLocked(app); old != nil {
			replaced = append(replaced, old)
		}
		started = append(started, app.clone())
	}
	n := len(r.apps)
	r.mu.Unlock()

	observability.SetRegistryApplications(n)
	for _, old := range replaced {
		r.supervisor.Disable(old)
	}
	for _, app := range started {
		log.Info().Str("app", app.Name).Msg("application recovered")
		r.supervisor.Execute(app)
	}
	return nil
}

// List returns a copy of every entry in registry order.
func (r *Registry) List() []*Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Application, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app.clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.apps)
}

func (r *Registry) Get(name string) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, app := r.findLocked(name)
	if app == nil {
		return nil, errs.NotFound("application", name)
	}
	return app.clone(), nil
}

// Authorize returns the entry if principal may access it.
func (r *Registry) Authorize(principal, name string, write bool) (*Application, error) {
	app, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !security.Evaluate(principal, app.Owner, app.OwnerPermission, write, r.groups) {
		return nil, errs.PermissionDenied(principal, name)
	}
	return app, nil
}

// Add inserts app, replacing an entry of the same name in place. The old
// entry is disabled, the state persisted if app is persistable, and app
// handed to the supervisor.
func (r *Registry) Add(app *Application) error {
	if app == nil || app.Name == "" {
		return errs.Validation("name", "application name is required")
	}
	app = app.clone()

	r.mu.Lock()
	old := r.upsertLocked(app)
	started := app.clone()
	n := len(r.apps)
	r.mu.Unlock()

	observability.SetRegistryApplications(n)
	observability.RecordRegistryMutation("add")
	if old != nil {
		log.Info().Str("app", started.Name).Msg("application replaced")
		r.supervisor.Disable(old)
	} else {
		log.Info().Str("app", started.Name).Msg("application added")
	}

	var err error
	if started.Persistable {
		err = r.persist()
	}
	r.supervisor.Execute(started)
	return err
}

// Remove erases every entry named name. Removing an absent name does nothing.
func (r *Registry) Remove(name string) (bool, error) {
	r.mu.Lock()
	removed := r.removeLocked(name)
	n := len(r.apps)
	r.mu.Unlock()

	if len(removed) == 0 {
		return false, nil
	}
	observability.SetRegistryApplications(n)
	observability.RecordRegistryMutation("remove")
	log.Info().Str("app", name).Int("entries", len(removed)).Msg("application removed")

	persist := false
	for _, app := range removed {
		persist = persist || app.Persistable
	}
	var err error
	if persist {
		err = r.persist()
	}
	for _, app := range removed {
		r.supervisor.Destroy(app)
	}
	return true, err
}

func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	_, app := r.findLocked(name)
	if app == nil {
		r.mu.Unlock()
		return errs.NotFound("application", name)
	}
	changed := app.Enabled != enabled
	app.Enabled = enabled
	snapshot := app.clone()
	r.mu.Unlock()

	if !changed {
		return nil
	}
	op := "disable"
	if enabled {
		op = "enable"
	}
	observability.RecordRegistryMutation(op)

	var err error
	if snapshot.Persistable {
		err = r.persist()
	}
	if enabled {
		r.supervisor.Execute(snapshot)
	} else {
		r.supervisor.Disable(snapshot)
	}
	return err
}

// SerializeVisible renders the entries principal may read. Unpersisted
// entries are included only on request; reserved entries never are.
func (r *Registry) SerializeVisible(principal string, includeUnpersisted bool) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.apps))
	for _, app := range r.apps {
		if reserved(app.Name) {
			continue
		}
		if !app.Persistable && !includeUnpersisted {
			continue
		}
		if !security.Evaluate(principal, app.Owner, app.OwnerPermission, false, r.groups) {
			continue
		}
		out = append(out, app.Document())
	}
	return out
}

func (r *Registry) persist() error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.Persist(); err != nil {
		log.Error().Err(err).Msg("registry persist failed")
		return err
	}
	return nil
}

func (r *Registry) findLocked(name string) (int, *Application) {
	for i, app := range r.apps {
		if app.Name == name {
			return i, app
		}
	}
	return -1, nil
}

// upsertLocked replaces in place or appends, returning the replaced entry.
func (r *Registry) upsertLocked(app *Application) *Application {
	if i, old := r.findLocked(app.Name); old != nil {
		r.apps[i] = app
		return old
	}
	r.apps = append(r.apps, app)
	return nil
}

func (r *Registry) removeLocked(name string) []*Application {
	var removed []*Application
	kept := r.apps[:0]
	for _, app := range r.apps {
		if app.Name == name {
			removed = append(removed, app)
			continue
		}
		kept = append(kept, app)
	}
	for i := len(kept); i < len(r.apps); i++ {
		r.apps[i] = nil
	}
	r.apps = kept
	return removed
}
