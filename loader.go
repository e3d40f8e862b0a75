// Package modloader implements the linking and execution engine for a
// dynamic JavaScript module loader: the graph of in-flight loads, the
// per-module wrapper state machine, the cycle-tolerant readiness barrier,
// and the lifecycle operations (evaluate, require, preload, unload,
// clearError).
package modloader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dop251/goja"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/draganm/go-modloader/internal/future"
	"github.com/draganm/go-modloader/internal/jsglobals"
	"github.com/draganm/go-modloader/internal/loop"
)

// loadEntry is an in-flight or completed fetch, keyed by URL.
type loadEntry struct {
	requiredBy []*ModuleWrapper
	fut        *future.Future[*ModuleWrapper]
	failed     bool
}

// Loader is the engine described in spec.md §4.1. All exported methods are
// safe to call from any goroutine; internally every mutation of loader or
// wrapper state is serialized onto a single loop goroutine.
type Loader struct {
	opts   Options
	loop   *loop.Loop
	logger logr.Logger

	wrappers map[string]*ModuleWrapper
	loads    map[string]*loadEntry
	styles   map[string]string

	errLatched bool
	latchedErr error

	hasCalledOnEntry bool
	nextAnonID       int64

	globalNames  []string
	globalValues []goja.Value
}

// New constructs a Loader. Compiler is required; Resolver defaults to
// NewMemoryResolver(); ModuleThis defaults to undefined; Logger defaults to
// logr.Discard().
func New(opts Options) (*Loader, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("modloader: Compiler option is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = NewMemoryResolver()
	}
	if opts.ModuleThis == nil {
		opts.ModuleThis = goja.Undefined()
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	l := &Loader{
		opts:     opts,
		loop:     loop.New(),
		logger:   opts.Logger,
		wrappers: map[string]*ModuleWrapper{},
		loads:    map[string]*loadEntry{},
		styles:   map[string]string{},
	}

	allGlobals := map[string]goja.Value{}
	for k, v := range opts.Globals {
		allGlobals[k] = v
	}
	if len(opts.GoGlobals) > 0 {
		wired, err := opts.GoGlobals.Autowire(context.Background(), l.logger, opts.Compiler.Runtime())
		if err != nil {
			return nil, fmt.Errorf("modloader: could not autowire GoGlobals: %w", err)
		}
		for k, v := range jsglobals.ToGoja(opts.Compiler.Runtime(), wired) {
			if _, exists := allGlobals[k]; exists {
				return nil, fmt.Errorf("modloader: global %q is set in both Globals and GoGlobals", k)
			}
			allGlobals[k] = v
		}
	}

	names := make([]string, 0, len(allGlobals))
	for k := range allGlobals {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]goja.Value, len(names))
	for i, n := range names {
		values[i] = allGlobals[n]
	}
	l.globalNames = names
	l.globalValues = values

	return l, nil
}

// Close stops the loader's internal engine loop. Safe to call once.
func (l *Loader) Close() { l.loop.Stop() }

// Evaluate creates an anonymous (or named, if id is non-empty) entry-point
// wrapper for code against dependencies, and returns its Module once
// prepared and executed.
func (l *Loader) Evaluate(ctx context.Context, dependencies []string, code string, versionRanges VersionRanges, id string) (*Module, error) {
	type outcome struct {
		mod *Module
		err error
	}
	out := make(chan outcome, 1)

	l.loop.Post(func() {
		if id == "" {
			l.nextAnonID++
			id = fmt.Sprintf("anonymous://%d", l.nextAnonID)
		}

		if l.errLatched {
			out <- outcome{nil, &LatchedError{Cause: l.latchedErr, ModuleID: id}}
			return
		}

		w, err := l.prepareModuleWrapper(id, code, Dependencies{Names: dependencies}, versionRanges, nil, "", false, false, nil)
		if err != nil {
			l.setError(err, id)
			out <- outcome{nil, err}
			return
		}

		w.executed.Then(func(_ *ModuleWrapper, eerr error) {
			if eerr != nil {
				out <- outcome{nil, eerr}
				return
			}
			out <- outcome{&Module{ID: w.id, Exports: w.module.Exports, Loaded: w.module.Loaded}, nil}
		})
	})

	select {
	case o := <-out:
		return o.mod, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Require resolves request with no parent, returning its Module, executing
// it first if necessary.
func (l *Loader) Require(ctx context.Context, request string) (*Module, error) {
	type outcome struct {
		mod *Module
		err error
	}
	out := make(chan outcome, 1)

	finish := func(w *ModuleWrapper) {
		if !w.module.Loaded {
			if err := w.execute(); err != nil {
				l.setError(err, w.id)
				out <- outcome{nil, err}
				return
			}
		}
		out <- outcome{&Module{ID: w.id, Exports: w.module.Exports, Loaded: w.module.Loaded}, nil}
	}

	l.loop.Post(func() {
		if l.errLatched {
			out <- outcome{nil, &LatchedError{Cause: l.latchedErr}}
			return
		}

		res, err := l.resolve(request, "", nil)
		if err != nil {
			l.setError(err, "")
			out <- outcome{nil, err}
			return
		}

		if res.Kind == Available {
			w, ok := l.getWrapper(res.ID)
			if !ok {
				err := fmt.Errorf("resolver reported %q available but no wrapper is registered for it", res.ID)
				l.setError(err, res.ID)
				out <- outcome{nil, err}
				return
			}
			finish(w)
			return
		}

		fut := l.loadWrapper(res.URL, nil, request)
		fut.Then(func(w *ModuleWrapper, ferr error) {
			l.loop.Post(func() {
				if ferr != nil {
					l.setError(ferr, "")
					out <- outcome{nil, ferr}
					return
				}
				finish(w)
			})
		})
	})

	select {
	case o := <-out:
		return o.mod, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delegates to the Resolver.
func (l *Loader) Resolve(request, parentID string, versionRanges VersionRanges) (Resolution, error) {
	var res Resolution
	var err error
	l.loop.Call(func() {
		res, err = l.resolve(request, parentID, versionRanges)
	})
	return res, err
}

func (l *Loader) resolve(request, parentID string, versionRanges VersionRanges) (Resolution, error) {
	return l.opts.Resolver.Resolve(request, parentID, versionRanges)
}

func (l *Loader) getWrapper(id string) (*ModuleWrapper, bool) {
	w, ok := l.wrappers[id]
	return w, ok
}

// loadWrapper implements §4.1 loadWrapper. Must run on the loop goroutine.
func (l *Loader) loadWrapper(url string, requiredBy *ModuleWrapper, originalRequest string) *future.Future[*ModuleWrapper] {
	if l.errLatched {
		fut := future.New[*ModuleWrapper]()
		fut.Reject(&LatchedError{Cause: l.latchedErr})
		return fut
	}

	if res, err := l.resolve(url, "", nil); err == nil && res.Kind == Available {
		if w, ok := l.getWrapper(res.ID); ok {
			if requiredBy != nil {
				w.addToRequiredBy([]*ModuleWrapper{requiredBy})
			}
			fut := future.New[*ModuleWrapper]()
			fut.Resolve(w)
			return fut
		}
	}

	if entry, ok := l.loads[url]; ok {
		if requiredBy != nil {
			entry.requiredBy = append(entry.requiredBy, requiredBy)
		}
		return entry.fut
	}

	entry := &loadEntry{fut: future.New[*ModuleWrapper]()}
	if requiredBy != nil {
		entry.requiredBy = []*ModuleWrapper{requiredBy}
	}
	l.loads[url] = entry
	loadsInFlight.Inc()
	fetchesStarted.Inc()

	requiredByID := ""
	if requiredBy != nil {
		requiredByID = requiredBy.id
	}

	go func() {
		ctx, span := tracer.Start(context.Background(), "modloader.fetch", trace.WithAttributes(attribute.String("url", url)))
		defer span.End()

		result, err := l.opts.Fetcher.Fetch(ctx, url, FetchOptions{RequiredByID: requiredByID, OriginalRequest: originalRequest})

		l.loop.Post(func() {
			if err != nil {
				fetchesCompleted.WithLabelValues("error").Inc()
				span.RecordError(err)
				l.failLoad(url, err)
				return
			}
			fetchesCompleted.WithLabelValues("ok").Inc()
			l.handleFetchResult(result, entry)
		})
	}()

	return entry.fut
}

func (l *Loader) failLoad(url string, err error) {
	entry, ok := l.loads[url]
	if !ok {
		return
	}
	entry.failed = true
	entry.fut.Reject(err)
}

// handleFetchResult implements §4.1 handleFetchResult. Must run on the loop
// goroutine.
func (l *Loader) handleFetchResult(result FetchResult, entry *loadEntry) {
	if l.errLatched {
		entry.fut.Reject(&LatchedError{Cause: l.latchedErr})
		return
	}

	l.opts.Resolver.RegisterResolvedURL(result.URL, result.ID)

	if existing, ok := l.getWrapper(result.ID); ok {
		existing.urls = append(existing.urls, result.URL)
		existing.addToRequiredBy(entry.requiredBy)
		entry.fut.Resolve(existing)
		return
	}

	w, err := l.prepareModuleWrapper(result.ID, result.Code, result.Dependencies, result.DependencyVersionRange, entry.requiredBy, result.CSS, result.HasCSS, false, nil)
	if err != nil {
		l.setError(err, result.ID)
		entry.fut.Reject(err)
		return
	}
	w.urls = append(w.urls, result.URL)

	w.prepared.Then(func(_ *ModuleWrapper, perr error) {
		l.loop.Post(func() {
			if perr != nil {
				entry.fut.Reject(perr)
				return
			}
			entry.fut.Resolve(w)
		})
	})
}

// prepareModuleWrapper implements §4.1 prepareModuleWrapper. Must run on the
// loop goroutine.
func (l *Loader) prepareModuleWrapper(
	id string,
	code string,
	deps Dependencies,
	versionRanges VersionRanges,
	requiredBy []*ModuleWrapper,
	css string,
	hasCSS bool,
	isPreload bool,
	preloadedExports goja.Value,
) (*ModuleWrapper, error) {
	if l.errLatched {
		return nil, &LatchedError{Cause: l.latchedErr, ModuleID: id}
	}

	if hasCSS {
		l.styles[id] = css
	}

	w := newModuleWrapper(l, id, versionRanges)

	var prepareDeps []string

	switch {
	case isPreload:
		w.isPreload = true
		w.module.Exports = preloadedExports
		w.module.Loaded = true
		w.body = noopBody{}
	case deps.UMD:
		body, umdDeps, err := l.buildUMDBody(w, code)
		if err != nil {
			return nil, fmt.Errorf("could not build umd module %s: %w", id, err)
		}
		w.body = body
		prepareDeps = umdDeps
	default:
		body, err := l.buildNormalBody(w, code)
		if err != nil {
			return nil, fmt.Errorf("could not compile module %s: %w", id, err)
		}
		w.body = body
		prepareDeps = deps.Names
	}

	l.wrappers[id] = w
	wrappersInFlight.Inc()
	l.opts.Resolver.RegisterID(id)

	if isPreload {
		w.markPrepared()
		w.executed.Resolve(w)
	} else {
		w.prepare(prepareDeps, requiredBy)
	}

	if len(requiredBy) == 0 && !isPreload {
		w.prepared.Then(func(_ *ModuleWrapper, perr error) {
			l.loop.Post(func() {
				if perr != nil {
					l.setError(perr, id)
					return
				}
				if !l.hasCalledOnEntry {
					l.hasCalledOnEntry = true
					if l.opts.OnEntry != nil {
						l.opts.OnEntry()
					}
				}
				if execErr := w.execute(); execErr != nil {
					l.setError(execErr, id)
				}
			})
		})
	}

	return w, nil
}

func (l *Loader) buildNormalBody(w *ModuleWrapper, code string) (moduleBody, error) {
	paramNames := make([]string, 0, len(l.globalNames)+3)
	paramNames = append(paramNames, l.globalNames...)
	paramNames = append(paramNames, "require", "module", "exports")

	fn, err := l.opts.Compiler.Compile(w.id, code, paramNames)
	if err != nil {
		return nil, err
	}

	return &normalBody{fn: fn}, nil
}

type umdCapture struct {
	name    string
	deps    []string
	factory goja.Callable
}

// buildUMDBody compiles fn(define, ...globals) and invokes it once with a
// synthesized define() that tolerates AMD argument omission: each argument
// is classified once by shape (function -> factory, array -> deps,
// otherwise -> name) and never reclassified, which is also how the
// ambiguous "name happens to equal dependencies" case (spec.md §9 open
// question) resolves itself: whichever shape it has wins, with no special
// casing.
func (l *Loader) buildUMDBody(w *ModuleWrapper, code string) (moduleBody, []string, error) {
	rt := l.opts.Compiler.Runtime()

	paramNames := make([]string, 0, len(l.globalNames)+1)
	paramNames = append(paramNames, "define")
	paramNames = append(paramNames, l.globalNames...)

	fn, err := l.opts.Compiler.Compile(w.id, code, paramNames)
	if err != nil {
		return nil, nil, err
	}

	capture := &umdCapture{}
	defineVal := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			if factory, ok := goja.AssertFunction(a); ok {
				capture.factory = factory
				continue
			}
			if obj, ok := a.(*goja.Object); ok && obj.ClassName() == "Array" {
				var asStrings []string
				if err := rt.ExportTo(a, &asStrings); err == nil {
					capture.deps = asStrings
					continue
				}
			}
			capture.name = a.String()
		}
		return goja.Undefined()
	})
	// UMD wrappers only take the AMD path when define.amd is truthy.
	if obj, ok := defineVal.(*goja.Object); ok {
		_ = obj.Set("amd", rt.NewObject())
	}

	callArgs := make([]goja.Value, 0, len(l.globalValues)+1)
	callArgs = append(callArgs, defineVal)
	callArgs = append(callArgs, l.globalValues...)

	if _, err := fn.Call(l.opts.ModuleThis, callArgs...); err != nil {
		return nil, nil, err
	}
	if capture.factory == nil {
		return nil, nil, fmt.Errorf("umd module %s did not call define() with a factory function", w.id)
	}

	prepareDeps := make([]string, 0, len(capture.deps))
	for _, d := range capture.deps {
		if d != "exports" {
			prepareDeps = append(prepareDeps, d)
		}
	}

	return &umdBody{factory: capture.factory, fullDeps: capture.deps}, prepareDeps, nil
}

// dynamicImportPromise wraps a dynamic import future as a goja Promise for
// the case described in §4.2 require() step 4.
func (l *Loader) dynamicImportPromise(w *ModuleWrapper, request string, fut *future.Future[*ModuleWrapper]) goja.Value {
	rt := l.opts.Compiler.Runtime()
	p, resolve, reject := rt.NewPromise()

	fut.Then(func(dep *ModuleWrapper, err error) {
		l.loop.Post(func() {
			if err != nil || dep == nil {
				reject(&UnresolvableError{Request: request, ParentID: w.id, Cause: err})
				return
			}
			if !dep.module.Loaded {
				if execErr := dep.execute(); execErr != nil {
					reject(execErr)
					return
				}
			}
			resolve(dep.module.Exports)
		})
	})

	return rt.ToValue(p)
}

// PreloadModule installs an already-constructed module value under id,
// marks it loaded, and optionally injects CSS (§4.1 preloadModule).
func (l *Loader) PreloadModule(id string, exports goja.Value, css string, hasCSS bool) error {
	var outErr error
	l.loop.Call(func() {
		_, err := l.prepareModuleWrapper(id, "", Dependencies{}, nil, nil, css, hasCSS, true, exports)
		outErr = err
	})
	return outErr
}

// Unload computes the transitive closure of modules depending on id and
// removes them from wrappers, loads, and the Resolver's URL map (§4.1
// unload).
func (l *Loader) Unload(id string) {
	l.loop.Call(func() {
		l.unload(id)
	})
}

func (l *Loader) unload(id string) {
	w, ok := l.getWrapper(id)
	if !ok {
		return
	}

	toRemove := map[*ModuleWrapper]struct{}{w: {}}
	for dep := range w.requiredBy {
		toRemove[dep] = struct{}{}
	}

	for rw := range toRemove {
		delete(l.wrappers, rw.id)
		l.opts.Resolver.Unbind(rw.id)
		wrappersInFlight.Dec()
		for _, u := range rw.urls {
			if _, ok := l.loads[u]; ok {
				delete(l.loads, u)
				loadsInFlight.Dec()
			}
		}
	}
}

// ClearError drops failed in-flight loads and failed wrappers, unbinding
// their Resolver entries, and clears the latch (§4.1 clearError).
func (l *Loader) ClearError() {
	l.loop.Call(func() {
		l.clearError()
	})
}

func (l *Loader) clearError() {
	if !l.errLatched {
		return
	}

	for url, entry := range l.loads {
		if entry.failed {
			delete(l.loads, url)
			loadsInFlight.Dec()
		}
	}
	for id, w := range l.wrappers {
		if w.failedFlag {
			delete(l.wrappers, id)
			l.opts.Resolver.Unbind(id)
			wrappersInFlight.Dec()
		}
	}

	l.errLatched = false
	l.latchedErr = nil
}

// setError implements §4.1 setError: idempotent against the first distinct
// error, after which no new wrappers are created.
func (l *Loader) setError(err error, moduleID string) {
	if l.errLatched {
		return
	}
	l.errLatched = true
	l.latchedErr = err
	latchedErrors.Inc()

	if l.opts.OnError != nil {
		l.opts.OnError(err)
		return
	}
	l.logger.Error(err, "modloader: loader latched", "moduleID", moduleID)
}

// WrapperSnapshot is a read-only view of one ModuleWrapper's state, used by
// internal/janitor and internal/status.
type WrapperSnapshot struct {
	ID              string
	Loaded          bool
	Prepared        bool
	WaitingFor      []string
	RequiredByCount int
	ConstructedAt   time.Time
}

// LoadSnapshot is a read-only view of one in-flight/completed load.
type LoadSnapshot struct {
	URL             string
	Failed          bool
	RequiredByCount int
}

// Snapshot is a read-only view of the loader's entire state.
type Snapshot struct {
	Wrappers   []WrapperSnapshot
	Loads      []LoadSnapshot
	Latched    bool
	LatchedErr string
	Styles     map[string]string
}

// Snapshot returns a point-in-time, read-only copy of the loader's state.
func (l *Loader) Snapshot() Snapshot {
	var snap Snapshot
	l.loop.Call(func() {
		for _, w := range l.wrappers {
			snap.Wrappers = append(snap.Wrappers, WrapperSnapshot{
				ID:              w.id,
				Loaded:          w.module.Loaded,
				Prepared:        w.preparedFlag,
				WaitingFor:      w.waitingForKeys(),
				RequiredByCount: len(w.requiredBy),
				ConstructedAt:   w.constructedAt,
			})
		}
		for url, entry := range l.loads {
			snap.Loads = append(snap.Loads, LoadSnapshot{
				URL:             url,
				Failed:          entry.failed,
				RequiredByCount: len(entry.requiredBy),
			})
		}
		snap.Latched = l.errLatched
		if l.latchedErr != nil {
			snap.LatchedErr = l.latchedErr.Error()
		}
		snap.Styles = make(map[string]string, len(l.styles))
		for k, v := range l.styles {
			snap.Styles[k] = v
		}
	})

	sort.Slice(snap.Wrappers, func(i, j int) bool { return snap.Wrappers[i].ID < snap.Wrappers[j].ID })
	sort.Slice(snap.Loads, func(i, j int) bool { return snap.Loads[i].URL < snap.Loads[j].URL })

	return snap
}
