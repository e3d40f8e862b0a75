// Package jscompiler implements the source-compiler contract on top of
// goja, grounded on require/builder.go's IIFE-wrapping technique (source
// text is wrapped in a function literal so free variables become formal
// parameters) and web/jshandler/jshandler.go's use of goja.Compile /
// goja.AssertFunction.
//
// Unlike web/jshandler/jshandler.go, this package keeps a single shared
// *goja.Runtime rather than a sync.Pool of runtimes: the loader's engine
// loop (internal/loop) already guarantees module bodies run one at a time
// on a single goroutine, so there is never contention for the runtime the
// way there is across concurrent HTTP requests in the teacher's handler
// pool.
package jscompiler

import (
	"fmt"
	"strings"

	modloader "github.com/draganm/go-modloader"
	"github.com/dop251/goja"
)

// Compiler compiles module bodies and UMD factories against one shared
// goja.Runtime.
type Compiler struct {
	rt *goja.Runtime
}

// New returns a Compiler with a fresh goja.Runtime.
func New() *Compiler {
	return &Compiler{rt: goja.New()}
}

// Runtime returns the shared goja.Runtime.
func (c *Compiler) Runtime() *goja.Runtime { return c.rt }

// Function wraps a goja.Callable produced by compiling a parameterized
// function literal.
type Function struct {
	callable goja.Callable
}

// Call invokes the compiled function with this as the receiver.
func (f *Function) Call(this goja.Value, args ...goja.Value) (goja.Value, error) {
	return f.callable(this, args...)
}

// Compile wraps source in `(function(p1, p2, ...) { <source> })`, compiles
// it, and evaluates it once to obtain the resulting function value.
func (c *Compiler) Compile(name, source string, paramNames []string) (modloader.CompiledFunction, error) {
	wrapped := fmt.Sprintf("(function(%s) {\n%s\n})", strings.Join(paramNames, ", "), source)

	prog, err := goja.Compile(name, wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("could not compile %s: %w", name, err)
	}

	v, err := c.rt.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("could not evaluate compiled function %s: %w", name, err)
	}

	callable, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("compiled value for %s is not callable", name)
	}

	return &Function{callable: callable}, nil
}
