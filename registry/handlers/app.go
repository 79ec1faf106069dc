// Package handlers translates the OCI distribution v2 HTTP surface into
// registry core operations.
package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/amphora-registry/amphora/configuration"
	"github.com/amphora-registry/amphora/registry/api/errcode"
	"github.com/amphora-registry/amphora/registry/storage"
)

const (
	nameVar      = `{name:[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}}`
	referenceVar = `{reference:[a-zA-Z0-9_+.:=-]+}`
	digestVar    = `{digest:[a-zA-Z0-9]+:[a-zA-Z0-9]+}`
	uuidVar      = `{uuid:[a-fA-F0-9-]+}`
)

// App is the http handler serving the /v2 API over one registry.
type App struct {
	Config *configuration.Configuration

	registry *storage.Registry
	router   *mux.Router
}

// NewApp wires the route table over registry.
func NewApp(config *configuration.Configuration, registry *storage.Registry) *App {
	app := &App{
		Config:   config,
		registry: registry,
		router:   mux.NewRouter(),
	}

	app.router.Path("/v2/").Methods(http.MethodGet).Handler(http.HandlerFunc(apiBase))

	app.register("/v2/"+nameVar+"/blobs/uploads/", blobUploadCreateDispatcher)
	app.register("/v2/"+nameVar+"/blobs/uploads/"+uuidVar, blobUploadDispatcher)
	app.register("/v2/"+nameVar+"/blobs/"+digestVar, blobDispatcher)
	app.register("/v2/"+nameVar+"/manifests/"+referenceVar, manifestDispatcher)
	app.register("/v2/"+nameVar+"/referrers/"+digestVar, referrersDispatcher)
	app.register("/v2/"+nameVar+"/tags/list", tagsDispatcher)

	return app
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a per-request context and builds the handler for one
// endpoint.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// register installs a repository-scoped endpoint on the router.
func (app *App) register(path string, dispatch dispatchFunc) {
	app.router.Path(path).Handler(app.dispatcher(dispatch))
}

// dispatcher resolves the repository named in the request, builds the
// request context and serves any errors the handler accumulated. The
// repository row is created on first reference.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		ctx := &Context{
			App:     app,
			Context: r.Context(),
		}

		repository, err := app.registry.CreateRepository(r.Context(), name)
		if err != nil {
			logrus.WithError(err).WithField("repository", name).Error("error resolving repository")
			if err := errcode.ServeJSON(w, errcode.ErrorCodeNameUnknown.WithDetail(name)); err != nil {
				logrus.WithError(err).Error("error serving error json")
			}
			return
		}
		ctx.Repository = repository

		dispatch(ctx, r).ServeHTTP(w, r)

		if ctx.Errors.Len() > 0 {
			if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
				logrus.WithError(err).Error("error serving error json")
			}
			logErrors(ctx, r)
		}
	})
}

func logErrors(ctx *Context, r *http.Request) {
	for _, err := range ctx.Errors {
		logrus.WithFields(logrus.Fields{
			"repository":  ctx.Repository.Name(),
			"http.method": r.Method,
			"http.uri":    r.RequestURI,
		}).Warnf("error serving request: %v", err)
	}
}

// apiBase answers the version probe. A 200 with an empty JSON body tells
// clients the registry speaks distribution v2.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", "2")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyJSON))
}

// LoggingHandler wraps the app with the standard combined request log.
func LoggingHandler(app *App) http.Handler {
	return handlers.CombinedLoggingHandler(logrus.StandardLogger().Writer(), app)
}
