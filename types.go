package modloader

import (
	"context"

	"github.com/dop251/goja"
	"github.com/go-logr/logr"

	"github.com/draganm/go-modloader/internal/jsglobals"
)

// ResolutionKind distinguishes the two shapes a Resolution can take.
type ResolutionKind int

const (
	// Available means the request already maps to a known module id; no
	// fetch is required.
	Available ResolutionKind = iota
	// NeedFetch means the request maps to a URL that must be fetched
	// before the id is known.
	NeedFetch
)

// Resolution is the result of asking a Resolver to map a request string to
// either an already-known module id or a URL to fetch.
type Resolution struct {
	Kind ResolutionKind
	ID   string // valid when Kind == Available
	URL  string // valid when Kind == NeedFetch
}

// VersionRanges is opaque to the engine; it is only ever passed through to
// the Resolver.
type VersionRanges map[string]string

// FetchOptions carries context about why a URL is being fetched, passed
// through to the Fetcher.
type FetchOptions struct {
	RequiredByID    string
	OriginalRequest string
}

// Dependencies is either an ordered list of dependency request strings, or
// the sentinel UMD marker meaning "the module declares its own dependencies
// via a define() call at the top of its body".
type Dependencies struct {
	UMD   bool
	Names []string
}

// FetchResult is what a Fetcher returns for a URL.
type FetchResult struct {
	URL                    string
	ID                     string
	Code                   string
	Dependencies           Dependencies
	DependencyVersionRange VersionRanges
	CSS                    string
	HasCSS                 bool
}

// Fetcher retrieves a module's source and metadata for a URL. Implementations
// must be safe to call concurrently; the loader deduplicates calls per URL on
// its own, so a Fetcher need not deduplicate itself.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
}

// FetcherFunc adapts a plain function to a Fetcher.
type FetcherFunc func(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error) {
	return f(ctx, url, opts)
}

// Resolver maps request strings to resolutions and remembers URL<->id
// bindings so the loader can prune them on unload/clearError.
type Resolver interface {
	Resolve(request, parentID string, versionRanges VersionRanges) (Resolution, error)
	RegisterResolvedURL(url, id string)
	RegisterID(id string)
	// Unbind removes any URL bindings pointing at id, called from
	// unload/clearError. Implementations that don't track this may no-op.
	Unbind(id string)
}

// CompiledFunction is an invocable module body or UMD factory whose formal
// parameters are the free variable names it was compiled with.
type CompiledFunction interface {
	// Call invokes the compiled function with this as the receiver and args
	// bound to its formal parameters in order; nothing is pre-bound at
	// compile time, so callers pass global values explicitly.
	Call(this goja.Value, args ...goja.Value) (goja.Value, error)
}

// Compiler turns source text plus a list of free-variable parameter names
// into an invocable function, matching the "source compiler" contract: the
// names become the compiled function's formal parameters, in order, and
// Call binds positional arguments to them.
type Compiler interface {
	Compile(name, source string, paramNames []string) (CompiledFunction, error)
	// Runtime exposes the goja.Runtime backing this compiler so the loader
	// can construct goja.Value arguments (functions, objects) to pass in.
	Runtime() *goja.Runtime
}

// Module is the object observable to executed module code and to Go callers
// of Evaluate/Require.
type Module struct {
	ID      string
	Exports goja.Value
	Loaded  bool
}

// Options configures a Loader.
type Options struct {
	Fetcher  Fetcher
	Resolver Resolver // defaults to NewMemoryResolver()
	Compiler Compiler // required

	// Globals are injected as free variables into every compiled module
	// body, already converted to goja.Value.
	Globals map[string]goja.Value

	// GoGlobals are plain Go values/functions injected the same way, after
	// being autowired against (context.Context, logr.Logger, *goja.Runtime)
	// and converted via jsglobals.ToGoja. A function whose leading
	// arguments match one of those three types has them bound away; a
	// function returning jsglobals.Values is invoked once its arguments
	// are fully bound and its result spliced into Globals flat.
	GoGlobals jsglobals.Globals

	ModuleThis goja.Value
	OnEntry    func()
	OnError    func(error)
	Logger     logr.Logger // defaults to logr.Discard()
}
