package modloader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/draganm/go-modloader/internal/future"
)

// moduleBody is the executable body of a wrapper, built once during
// construction and invoked exactly once from execute().
type moduleBody interface {
	execute(w *ModuleWrapper) error
}

// noopBody backs preloaded modules: module.exports is already set, nothing
// runs.
type noopBody struct{}

func (noopBody) execute(*ModuleWrapper) error { return nil }

// normalBody is a compiled commonjs-style module body,
// fn(...globals, require, module, exports).
type normalBody struct {
	fn CompiledFunction
}

func (b *normalBody) execute(w *ModuleWrapper) error {
	args := make([]goja.Value, 0, len(w.loader.globalValues)+3)
	args = append(args, w.loader.globalValues...)
	args = append(args, w.requireVal, w.moduleObj, w.initialExportsObj)
	_, err := b.fn.Call(w.loader.opts.ModuleThis, args...)
	return err
}

// umdBody invokes the captured AMD factory with arguments mapped from the
// full dependency list (which may still contain the literal "exports").
type umdBody struct {
	factory  goja.Callable
	fullDeps []string
}

func (b *umdBody) execute(w *ModuleWrapper) error {
	args := make([]goja.Value, len(b.fullDeps))
	for i, d := range b.fullDeps {
		if d == "exports" {
			args[i] = w.initialExportsObj
			continue
		}
		v, err := w.requireFromJS(d)
		if err != nil {
			return err
		}
		args[i] = v
	}
	ret, err := b.factory(w.loader.opts.ModuleThis, args...)
	if err != nil {
		return err
	}
	if ret != nil && !goja.IsUndefined(ret) {
		w.module.Exports = ret
	}
	return nil
}

// ModuleWrapper is the per-module linking unit described in spec.md §4.2.
type ModuleWrapper struct {
	loader        *Loader
	id            string
	versionRanges VersionRanges
	urls          []string // URLs known to resolve to this id
	constructedAt time.Time

	module            *Module
	initialExportsObj *goja.Object // the "exports" param bound at call time; does not track reassignment
	moduleObj         *goja.Object
	requireVal        goja.Value

	requiredBy map[*ModuleWrapper]struct{}
	waitingFor map[string]struct{}

	dynamicImports map[string]*future.Future[*ModuleWrapper]

	preparedFlag bool
	prepared     *future.Future[*ModuleWrapper]
	executed     *future.Future[*ModuleWrapper]
	failedFlag   bool

	isPreload bool
	body      moduleBody
}

func newModuleWrapper(l *Loader, id string, vr VersionRanges) *ModuleWrapper {
	rt := l.opts.Compiler.Runtime()

	w := &ModuleWrapper{
		loader:         l,
		id:             id,
		versionRanges:  vr,
		constructedAt:  time.Now(),
		requiredBy:     map[*ModuleWrapper]struct{}{},
		waitingFor:     map[string]struct{}{},
		dynamicImports: map[string]*future.Future[*ModuleWrapper]{},
		prepared:       future.New[*ModuleWrapper](),
		executed:       future.New[*ModuleWrapper](),
		module:         &Module{ID: id},
	}

	w.initialExportsObj = rt.NewObject()
	w.module.Exports = w.initialExportsObj
	w.moduleObj = w.buildModuleObject(rt)
	w.requireVal = w.buildRequireValue(rt)

	return w
}

func (w *ModuleWrapper) buildModuleObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	obj.Set("id", w.id)

	getExports := rt.ToValue(func(goja.FunctionCall) goja.Value {
		return w.module.Exports
	})
	setExports := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			w.module.Exports = call.Arguments[0]
		}
		return goja.Undefined()
	})
	// live binding: reassigning module.exports inside the module body is
	// visible to every later require() of this id, unlike the separately
	// bound "exports" parameter.
	_ = obj.DefineAccessorProperty("exports", getExports, setExports, goja.FLAG_TRUE, goja.FLAG_TRUE)

	getLoaded := rt.ToValue(func(goja.FunctionCall) goja.Value {
		return rt.ToValue(w.module.Loaded)
	})
	_ = obj.DefineAccessorProperty("loaded", getLoaded, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	return obj
}

func (w *ModuleWrapper) buildRequireValue(rt *goja.Runtime) goja.Value {
	requireVal := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		request := call.Argument(0).String()
		result, err := w.requireFromJS(request)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return result
	})

	if obj, ok := requireVal.(*goja.Object); ok {
		resolveFn := rt.ToValue(func(call goja.FunctionCall) goja.Value {
			request := call.Argument(0).String()
			id, err := w.requireResolve(request)
			if err != nil {
				panic(rt.NewGoError(err))
			}
			return rt.ToValue(id)
		})
		obj.Set("resolve", resolveFn)
	}

	return requireVal
}

// requireResolve implements require.resolve(request): §4.2.
func (w *ModuleWrapper) requireResolve(request string) (string, error) {
	res, err := w.loader.resolve(request, w.id, w.versionRanges)
	if err != nil {
		return "", err
	}
	if res.Kind == Available {
		return res.ID, nil
	}
	fut := w.loader.loadWrapper(res.URL, w, request)
	w.dynamicImports[request] = fut
	return res.URL, nil
}

// requireFromJS implements require(request): §4.2. Shared by the native
// `require` binding and by UMD factory argument mapping.
func (w *ModuleWrapper) requireFromJS(request string) (goja.Value, error) {
	requestedID, err := w.requireResolve(request)
	if err != nil {
		return nil, err
	}

	if requestedID == w.id {
		return nil, &CyclicDependencyError{ID: w.id}
	}

	if dep, ok := w.loader.getWrapper(requestedID); ok {
		if !dep.module.Loaded {
			if err := dep.execute(); err != nil {
				return nil, err
			}
		}
		return dep.module.Exports, nil
	}

	fut, ok := w.dynamicImports[request]
	if !ok {
		return nil, &UnresolvableError{Request: request, ParentID: w.id}
	}

	return w.loader.dynamicImportPromise(w, request, fut), nil
}

// prepare implements §4.2 prepare(dependencyRequests, requiredByWrappers).
func (w *ModuleWrapper) prepare(requests []string, requiredBy []*ModuleWrapper) {
	w.addToRequiredByList(requiredBy)

	for _, request := range requests {
		res, err := w.loader.resolve(request, w.id, w.versionRanges)
		if err != nil {
			w.rejectPrepared(err)
			return
		}

		switch res.Kind {
		case Available:
			dep, ok := w.loader.getWrapper(res.ID)
			if !ok {
				w.rejectPrepared(fmt.Errorf("resolver reported %q available but no wrapper is registered for it", res.ID))
				return
			}
			if _, isCyclePeer := w.requiredBy[dep]; isCyclePeer {
				continue
			}
			if dep.preparedFlag {
				continue
			}
			w.waitingFor[dep.id] = struct{}{}
			depID := dep.id
			dep.prepared.Then(func(_ *ModuleWrapper, perr error) {
				w.loader.loop.Post(func() {
					if perr != nil {
						w.rejectPrepared(perr)
						return
					}
					w.stopWaitingFor(depID)
				})
			})
		case NeedFetch:
			url := res.URL
			w.waitingFor[url] = struct{}{}
			fut := w.loader.loadWrapper(url, w, request)
			fut.Then(func(_ *ModuleWrapper, ferr error) {
				w.loader.loop.Post(func() {
					if ferr != nil {
						w.rejectPrepared(ferr)
						return
					}
					w.stopWaitingFor(url)
				})
			})
		}
	}

	if len(w.waitingFor) == 0 {
		w.markPrepared()
	}
}

// addToRequiredByList adds each wrapper (and its own requiredBy set,
// transitively) to w.requiredBy, per prepare() step 1 / addToRequiredBy
// step 1.
func (w *ModuleWrapper) addToRequiredByList(requiredBy []*ModuleWrapper) {
	for _, rb := range requiredBy {
		w.addRequiredByOne(rb)
	}
}

func (w *ModuleWrapper) addRequiredByOne(rb *ModuleWrapper) {
	if rb == w {
		return
	}
	if _, exists := w.requiredBy[rb]; exists {
		return // already present; also terminates cycles
	}
	w.requiredBy[rb] = struct{}{}
	for peer := range rb.requiredBy {
		w.addRequiredByOne(peer)
	}
}

// addToRequiredBy is called when a shared dependency is late-claimed by an
// additional consumer (§4.2).
func (w *ModuleWrapper) addToRequiredBy(newRequiredBy []*ModuleWrapper) {
	w.addToRequiredByList(newRequiredBy)

	keys := make([]string, 0, len(w.waitingFor))
	for k := range w.waitingFor {
		keys = append(keys, k)
	}
	for _, key := range keys {
		if dep, ok := w.loader.getWrapper(key); ok {
			if _, isPeer := w.requiredBy[dep]; isPeer {
				w.stopWaitingFor(key)
			}
		}
	}
}

func (w *ModuleWrapper) stopWaitingFor(key string) {
	delete(w.waitingFor, key)
	if len(w.waitingFor) == 0 {
		w.markPrepared()
	}
}

func (w *ModuleWrapper) markPrepared() {
	if w.preparedFlag {
		return
	}
	w.preparedFlag = true
	w.prepared.Resolve(w)
}

func (w *ModuleWrapper) rejectPrepared(err error) {
	w.failedFlag = true
	w.prepared.Reject(err)
	w.executed.Reject(err)
}

func (w *ModuleWrapper) waitingForKeys() []string {
	keys := make([]string, 0, len(w.waitingFor))
	for k := range w.waitingFor {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// execute invokes the module body exactly once (§4.2 execute()).
func (w *ModuleWrapper) execute() error {
	if w.module.Loaded {
		return fmt.Errorf("module %q executed more than once", w.id)
	}
	w.module.Loaded = true
	executions.Inc()

	_, span := tracer.Start(context.Background(), "modloader.execute", trace.WithAttributes(attribute.String("id", w.id)))
	defer span.End()

	if err := w.body.execute(w); err != nil {
		span.RecordError(err)
		w.failedFlag = true
		w.executed.Reject(err)
		return err
	}

	w.executed.Resolve(w)
	return nil
}
