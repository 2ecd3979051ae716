package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/danmuck/meshctl/internal/errs"
)

// Reserved entries run the front-end and agent helpers. They are never shown
// to external callers.
const (
	ReservedREST  = "apprest"
	ReservedAgent = "agent"
)

// Document keys the registry interprets. Everything else is carried verbatim.
const (
	keyName            = "name"
	keyOwner           = "owner"
	keyOwnerPermission = "owner_permission"
	keyStatus          = "status"
)

// Application is one registry entry.
type Application struct {
	Name            string
	Owner           string
	OwnerPermission int
	Persistable     bool
	Enabled         bool
	// Spec holds the remaining document keys (command, description, ...).
	Spec map[string]any
}

// ParseApplication decodes one application document.
func ParseApplication(data []byte) (*Application, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.Parse(err)
	}
	if doc == nil {
		return nil, errs.Parse(fmt.Errorf("application document is not an object"))
	}
	return FromDocument(doc)
}

// FromDocument builds an Application from a decoded document. Entries are
// persistable and enabled unless the document says otherwise.
func FromDocument(doc map[string]any) (*Application, error) {
	spec := maps.Clone(doc)
	name, _ := spec[keyName].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation(keyName, "application name is required")
	}
	app := &Application{Name: name, Persistable: true, Enabled: true}
	delete(spec, keyName)

	if v, ok := spec[keyOwner]; ok {
		owner, ok := v.(string)
		if !ok {
			return nil, errs.Validation(keyOwner, "owner must be a string")
		}
		app.Owner = owner
		delete(spec, keyOwner)
	}
	if v, ok := spec[keyOwnerPermission]; ok {
		perm, err := toInt(v)
		if err != nil || perm < 0 || perm > 99 {
			return nil, errs.Validation(keyOwnerPermission, "owner_permission must be a two digit number")
		}
		app.OwnerPermission = perm
		delete(spec, keyOwnerPermission)
	}
	if v, ok := spec[keyStatus]; ok {
		status, err := toInt(v)
		if err != nil {
			return nil, errs.Validation(keyStatus, "status must be a number")
		}
		app.Enabled = status != 0
		delete(spec, keyStatus)
	}
	app.Spec = spec
	return app, nil
}

// Document renders the entry back into its JSON shape.
func (a *Application) Document() map[string]any {
	out := make(map[string]any, len(a.Spec)+4)
	for k, v := range a.Spec {
		out[k] = v
	}
	out[keyName] = a.Name
	if a.Owner != "" {
		out[keyOwner] = a.Owner
	}
	if a.OwnerPermission != 0 {
		out[keyOwnerPermission] = a.OwnerPermission
	}
	status := 0
	if a.Enabled {
		status = 1
	}
	out[keyStatus] = status
	return out
}

func (a *Application) clone() *Application {
	out := *a
	out.Spec = maps.Clone(a.Spec)
	return &out
}

func reserved(name string) bool {
	return name == ReservedREST || name == ReservedAgent
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.Atoi(n.String())
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
