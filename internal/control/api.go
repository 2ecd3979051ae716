package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/registry"
	"github.com/danmuck/meshctl/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const nodeName = "meshd"

// API is the daemon's HTTP surface. It never listens on a socket; Server
// feeds it requests decoded from frames.
type API struct {
	store    *config.Store
	registry *registry.Registry
	router   *gin.Engine
}

func NewAPI(store *config.Store, reg *registry.Registry) *API {
	a := &API{store: store, registry: reg}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(principalMiddleware())
	r.Use(observability.RequestLogger(log.Logger, nodeName))
	r.Use(observability.RequestMetricsMiddleware(nodeName))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
	a.router = r
	a.registerRoutes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) registerRoutes() {
	g := a.router.Group("/appmesh")
	g.GET("/applications", a.listApplications)
	g.GET("/app/:name", a.getApplication)
	g.PUT("/app/:name", a.putApplication)
	g.DELETE("/app/:name", a.deleteApplication)
	g.POST("/app/:name/enable", a.enableApplication)
	g.POST("/app/:name/disable", a.disableApplication)

	g.GET("/config", a.getConfig)
	g.POST("/config", a.postConfig)

	g.GET("/labels", a.getLabels)
	g.PUT("/label/:name", a.putLabel)
	g.DELETE("/label/:name", a.deleteLabel)
}

func principalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(observability.PrincipalKey, PrincipalFrom(c.Request.Context()))
		c.Next()
	}
}

func principal(c *gin.Context) string {
	return c.GetString(observability.PrincipalKey)
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
}

func (a *API) listApplications(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.SerializeVisible(principal(c), true))
}

func (a *API) getApplication(c *gin.Context) {
	app, err := a.registry.Authorize(principal(c), c.Param("name"), false)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.Document())
}

// putApplication registers or replaces an entry. The path names the entry;
// a body name must agree with it. New entries default to the caller as owner.
func (a *API) putApplication(c *gin.Context) {
	name := c.Param("name")
	who := principal(c)
	if name == registry.ReservedREST || name == registry.ReservedAgent {
		fail(c, errs.Validation("name", "reserved application name"))
		return
	}

	doc, err := readObject(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	if v, ok := doc["name"]; ok && v != name {
		fail(c, errs.Validation("name", "body name does not match path"))
		return
	}
	doc["name"] = name

	app, err := registry.FromDocument(doc)
	if err != nil {
		fail(c, err)
		return
	}
	_, err = a.registry.Authorize(who, name, true)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		if app.Owner == "" {
			app.Owner = who
		}
	default:
		fail(c, err)
		return
	}

	if err := a.registry.Add(app); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.Document())
}

func (a *API) deleteApplication(c *gin.Context) {
	name := c.Param("name")
	if _, err := a.registry.Authorize(principal(c), name, true); err != nil {
		fail(c, err)
		return
	}
	if _, err := a.registry.Remove(name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": name})
}

func (a *API) enableApplication(c *gin.Context) {
	a.toggle(c, true)
}

func (a *API) disableApplication(c *gin.Context) {
	a.toggle(c, false)
}

func (a *API) toggle(c *gin.Context, enabled bool) {
	name := c.Param("name")
	if _, err := a.registry.Authorize(principal(c), name, true); err != nil {
		fail(c, err)
		return
	}
	op := a.registry.Disable
	if enabled {
		op = a.registry.Enable
	}
	if err := op(name); err != nil {
		fail(c, err)
		return
	}
	app, err := a.registry.Get(name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.Document())
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.store.Snapshot(principal(c), false))
}

// postConfig hot reloads the posted document and writes the result to disk.
func (a *API) postConfig(c *gin.Context) {
	who := principal(c)
	if err := requireAdmin(who, "config"); err != nil {
		fail(c, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, errs.Parse(err))
		return
	}
	err = a.store.HotReload(body)
	observability.RecordConfigReload(config.ReloadManual, err)
	if err != nil {
		fail(c, err)
		return
	}
	if err := a.store.Persist(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.store.Snapshot(who, false))
}

func (a *API) getLabels(c *gin.Context) {
	c.JSON(http.StatusOK, a.store.Labels())
}

func (a *API) putLabel(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if err := requireAdmin(principal(c), "labels"); err != nil {
		fail(c, err)
		return
	}
	value, ok := c.GetQuery("value")
	if !ok {
		fail(c, errs.Validation("value", "label value is required"))
		return
	}
	a.store.SetLabel(name, value)
	if err := a.store.Persist(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.store.Labels())
}

func (a *API) deleteLabel(c *gin.Context) {
	name := c.Param("name")
	if err := requireAdmin(principal(c), "labels"); err != nil {
		fail(c, err)
		return
	}
	if !a.store.DeleteLabel(name) {
		fail(c, errs.NotFound("label", name))
		return
	}
	if err := a.store.Persist(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.store.Labels())
}

// requireAdmin guards daemon-wide settings. An empty principal is the local
// trusted caller.
func requireAdmin(who, resource string) error {
	if who == "" || who == security.AdminUser {
		return nil
	}
	return errs.PermissionDenied(who, resource)
}

func readObject(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Parse(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.Parse(err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
