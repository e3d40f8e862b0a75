// Package status exposes a read-only HTTP introspection surface over a
// Loader's Snapshot: an HTML page (mustache-rendered, cached with a
// RWMutex the way mustache/render.go cached its templates) and a JSON
// endpoint, mounted on a chi/v5 mux the way web/builder.go mounted its
// routes.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cbroglie/mustache"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	modloader "github.com/draganm/go-modloader"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>modloader status</title></head>
<body>
<h1>modloader status</h1>
{{#latched}}
<p style="color:red">latched: {{latchedErr}}</p>
{{/latched}}
<h2>Wrappers ({{wrapperCount}})</h2>
<table border="1">
<tr><th>id</th><th>loaded</th><th>prepared</th><th>waitingFor</th><th>requiredByCount</th></tr>
{{#wrappers}}
<tr><td>{{ID}}</td><td>{{Loaded}}</td><td>{{Prepared}}</td><td>{{WaitingForJoined}}</td><td>{{RequiredByCount}}</td></tr>
{{/wrappers}}
</table>
<h2>Loads ({{loadCount}})</h2>
<table border="1">
<tr><th>url</th><th>failed</th><th>requiredByCount</th></tr>
{{#loads}}
<tr><td>{{URL}}</td><td>{{Failed}}</td><td>{{RequiredByCount}}</td></tr>
{{/loads}}
</table>
</body>
</html>
`

// templateCache renders pageTemplate once, guarded by an RWMutex, the way
// mustache/render.go cached a parsed template rather than reparsing per
// request.
type templateCache struct {
	mu   sync.RWMutex
	tmpl *mustache.Template
}

func (c *templateCache) get() (*mustache.Template, error) {
	c.mu.RLock()
	if c.tmpl != nil {
		defer c.mu.RUnlock()
		return c.tmpl, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tmpl != nil {
		return c.tmpl, nil
	}
	tmpl, err := mustache.ParseString(pageTemplate)
	if err != nil {
		return nil, err
	}
	c.tmpl = tmpl
	return tmpl, nil
}

// Snapshotter is the subset of *modloader.Loader the status handler depends
// on.
type Snapshotter interface {
	Snapshot() modloader.Snapshot
}

// Handler serves the status introspection routes.
type Handler struct {
	loader Snapshotter
	cache  templateCache
}

// New returns a chi.Router mounting the status routes ("/", "/status.json")
// backed by loader.
func New(loader Snapshotter) chi.Router {
	h := &Handler{loader: loader}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/", otelhttp.NewHandler(http.HandlerFunc(h.serveHTML), "modloader.status"))
	r.Method(http.MethodGet, "/status.json", otelhttp.NewHandler(http.HandlerFunc(h.serveJSON), "modloader.status.json"))
	return r
}

type wrapperView struct {
	modloader.WrapperSnapshot
	WaitingForJoined string
}

func (h *Handler) serveHTML(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &capturingResponseWriter{ResponseWriter: w, status: http.StatusOK}

	tmpl, err := h.cache.get()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		recordDuration(rw.status, time.Since(start))
		return
	}

	snap := h.loader.Snapshot()
	wrappers := make([]wrapperView, 0, len(snap.Wrappers))
	for _, ws := range snap.Wrappers {
		joined := ""
		for i, k := range ws.WaitingFor {
			if i > 0 {
				joined += ", "
			}
			joined += k
		}
		wrappers = append(wrappers, wrapperView{WrapperSnapshot: ws, WaitingForJoined: joined})
	}

	data := map[string]any{
		"latched":      snap.Latched,
		"latchedErr":   snap.LatchedErr,
		"wrapperCount": len(snap.Wrappers),
		"loadCount":    len(snap.Loads),
		"wrappers":     wrappers,
		"loads":        snap.Loads,
	}

	out, err := tmpl.Render(data)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		recordDuration(rw.status, time.Since(start))
		return
	}

	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = rw.Write([]byte(out))
	recordDuration(rw.status, time.Since(start))
}

func (h *Handler) serveJSON(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &capturingResponseWriter{ResponseWriter: w, status: http.StatusOK}

	snap := h.loader.Snapshot()
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(snap)
	recordDuration(rw.status, time.Since(start))
}

// capturingResponseWriter adapts web/status_response_writer.go's pattern of
// capturing the status code written, for the duration metric below.
type capturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *capturingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
