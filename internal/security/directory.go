package security

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/rs/zerolog/log"
)

// User is one entry of the local user directory.
type User struct {
	Group  string `json:"group"`
	Locked bool   `json:"locked,omitempty"`
}

type directoryFile struct {
	Users map[string]User `json:"users"`
}

// Directory is the local user directory read from security.json. It is safe
// for concurrent use and can be reloaded in place.
type Directory struct {
	mu    sync.RWMutex
	path  string
	users map[string]User
}

func NewDirectory(users map[string]User) *Directory {
	d := &Directory{users: map[string]User{}}
	for name, u := range users {
		d.users[name] = u
	}
	return d
}

// LoadDirectory reads path. A missing file yields an empty directory.
func LoadDirectory(path string) (*Directory, error) {
	d := &Directory{path: path, users: map[string]User{}}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", d.path).Msg("security directory missing, no groups resolved")
		return nil
	}
	if err != nil {
		return fmt.Errorf("security: read %s: %w", d.path, err)
	}
	var file directoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errs.Parse(err)
	}
	users := make(map[string]User, len(file.Users))
	for name, u := range file.Users {
		if name == "" {
			return errs.Validation("users", "empty user name")
		}
		users[name] = u
	}
	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	log.Info().Str("path", d.path).Int("users", len(users)).Msg("security directory loaded")
	return nil
}

// GroupOf resolves a principal's group. Locked and unknown users have none.
func (d *Directory) GroupOf(principal string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[principal]
	if !ok || u.Locked || u.Group == "" {
		return "", false
	}
	return u.Group, true
}

func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.users))
	for name := range d.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
