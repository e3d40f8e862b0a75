package modloader_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	modloader "github.com/draganm/go-modloader"
	"github.com/draganm/go-modloader/internal/jscompiler"
)

// memFetcher serves FetchResults from a fixed map keyed by URL, counting
// invocations per URL so tests can assert load dedup (property 5).
type memFetcher struct {
	mu    sync.Mutex
	pages map[string]modloader.FetchResult
	calls map[string]int
}

func newMemFetcher() *memFetcher {
	return &memFetcher{pages: map[string]modloader.FetchResult{}, calls: map[string]int{}}
}

func (f *memFetcher) add(url string, result modloader.FetchResult) {
	result.URL = url
	f.pages[url] = result
}

func (f *memFetcher) Fetch(ctx context.Context, url string, opts modloader.FetchOptions) (modloader.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	res, ok := f.pages[url]
	if !ok {
		return modloader.FetchResult{}, errors.New("no such page: " + url)
	}
	return res, nil
}

func (f *memFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func newLoader(t *testing.T, fetcher modloader.Fetcher, onError func(error)) *modloader.Loader {
	t.Helper()
	l, _ := newLoaderWithCompiler(t, fetcher, onError)
	return l
}

func newLoaderWithCompiler(t *testing.T, fetcher modloader.Fetcher, onError func(error)) (*modloader.Loader, *jscompiler.Compiler) {
	t.Helper()
	compiler := jscompiler.New()
	l, err := modloader.New(modloader.Options{
		Fetcher:  fetcher,
		Compiler: compiler,
		OnError:  onError,
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, compiler
}

func TestSingleEntryOneDependency(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/m.js", modloader.FetchResult{
		ID:   "m",
		Code: "module.exports = 41",
	})

	l, compiler := newLoaderWithCompiler(t, fetcher, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Evaluate(ctx, []string{"https://example.test/m.js"}, `module.exports = require("https://example.test/m.js") + 1`, nil, "")
	require.NoError(t, err)

	var got int64
	require.NoError(t, compiler.Runtime().ExportTo(mod.Exports, &got))
	require.Equal(t, int64(42), got)
}

func TestDiamond(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/c.js", modloader.FetchResult{ID: "C", Code: `module.exports = {n: 1}`})
	fetcher.add("https://example.test/a.js", modloader.FetchResult{
		ID: "A", Code: `module.exports = require("https://example.test/c.js").n`,
	})
	fetcher.add("https://example.test/b.js", modloader.FetchResult{
		ID: "B", Code: `module.exports = require("https://example.test/c.js").n + 1`,
	})

	l, compiler := newLoaderWithCompiler(t, fetcher, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Evaluate(ctx,
		[]string{"https://example.test/a.js", "https://example.test/b.js"},
		`module.exports = require("https://example.test/a.js") + require("https://example.test/b.js")`,
		nil, "E")
	require.NoError(t, err)

	var got int64
	require.NoError(t, compiler.Runtime().ExportTo(mod.Exports, &got))
	require.Equal(t, int64(3), got)

	require.Equal(t, 1, fetcher.callCount("https://example.test/c.js"))
	require.Equal(t, 1, fetcher.callCount("https://example.test/a.js"))
	require.Equal(t, 1, fetcher.callCount("https://example.test/b.js"))
}

// TestIdentityDedup exercises the identity-merge branch in
// handleFetchResult (as opposed to TestDiamond's same-URL dedup): two
// distinct URLs fetch concurrently and both resolve to
// the same module id, so whichever fetch completes second must be merged
// into the wrapper the first one created rather than producing a duplicate.
func TestIdentityDedup(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/shared-v1.js", modloader.FetchResult{ID: "shared", Code: `module.exports = 1`})
	fetcher.add("https://example.test/shared-v2.js", modloader.FetchResult{ID: "shared", Code: `module.exports = 1`})
	fetcher.add("https://example.test/a.js", modloader.FetchResult{
		ID: "A", Code: `module.exports = require("https://example.test/shared-v1.js")`,
		Dependencies: modloader.Dependencies{Names: []string{"https://example.test/shared-v1.js"}},
	})
	fetcher.add("https://example.test/b.js", modloader.FetchResult{
		ID: "B", Code: `module.exports = require("https://example.test/shared-v2.js")`,
		Dependencies: modloader.Dependencies{Names: []string{"https://example.test/shared-v2.js"}},
	})

	l, compiler := newLoaderWithCompiler(t, fetcher, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Evaluate(ctx,
		[]string{"https://example.test/a.js", "https://example.test/b.js"},
		`module.exports = require("https://example.test/a.js") + require("https://example.test/b.js")`,
		nil, "E")
	require.NoError(t, err)

	var got int64
	require.NoError(t, compiler.Runtime().ExportTo(mod.Exports, &got))
	require.Equal(t, int64(2), got)

	snap := l.Snapshot()
	var sharedWrappers []modloader.WrapperSnapshot
	for _, w := range snap.Wrappers {
		if w.ID == "shared" {
			sharedWrappers = append(sharedWrappers, w)
		}
	}
	require.Len(t, sharedWrappers, 1, "two URLs resolving to the same id must produce a single wrapper")
	require.Equal(t, 3, sharedWrappers[0].RequiredByCount, "the wrapper's requiredBy must be the transitive union of both dependents: A, B and the entry E")
}

func TestTwoCycle(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/a.js", modloader.FetchResult{
		ID:   "A",
		Code: `module.exports.a = 1; module.exports.b = require("https://example.test/b.js").b;`,
	})
	fetcher.add("https://example.test/b.js", modloader.FetchResult{
		ID:   "B",
		Code: `module.exports.b = 2; module.exports.a = require("https://example.test/a.js").a;`,
	})

	l := newLoader(t, fetcher, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Evaluate(ctx,
		[]string{"https://example.test/a.js", "https://example.test/b.js"},
		`module.exports = {
			a: require("https://example.test/a.js"),
			b: require("https://example.test/b.js"),
		}`,
		nil, "E")
	require.NoError(t, err)

	exportsObj := mod.Exports.(*goja.Object)

	aObj := exportsObj.Get("a").(*goja.Object)
	require.EqualValues(t, 1, aObj.Get("a").ToInteger())
	require.EqualValues(t, 2, aObj.Get("b").ToInteger())

	bObj := exportsObj.Get("b").(*goja.Object)
	require.EqualValues(t, 2, bObj.Get("b").ToInteger())
	require.EqualValues(t, 1, bObj.Get("a").ToInteger())
}

func TestSelfRequire(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/s.js", modloader.FetchResult{
		ID:   "S",
		Code: `require("https://example.test/s.js")`,
	})

	var gotErr error
	l := newLoader(t, fetcher, func(err error) { gotErr = err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.Evaluate(ctx, []string{"https://example.test/s.js"}, `require("https://example.test/s.js")`, nil, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cyclic dependency")
	require.NotNil(t, gotErr)
}

func TestUMD(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/dep.js", modloader.FetchResult{
		ID:   "dep",
		Code: `module.exports = { value: 21 }`,
	})
	fetcher.add("https://example.test/umd.js", modloader.FetchResult{
		ID:           "umd",
		Dependencies: modloader.Dependencies{UMD: true},
		Code: `(function(f){ if (typeof define==='function' && define.amd) define(["https://example.test/dep.js"], f); })(function(dep){ return dep.value * 2; })`,
	})

	l, compiler := newLoaderWithCompiler(t, fetcher, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Evaluate(ctx, []string{"https://example.test/umd.js"},
		`module.exports = require("https://example.test/umd.js")`, nil, "")
	require.NoError(t, err)

	var got int64
	require.NoError(t, compiler.Runtime().ExportTo(mod.Exports, &got))
	require.Equal(t, int64(42), got)
}

func TestUnloadCascade(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/b.js", modloader.FetchResult{ID: "B", Code: `module.exports = 1`})
	fetcher.add("https://example.test/a.js", modloader.FetchResult{
		ID: "A", Code: `module.exports = require("https://example.test/b.js") + 1`,
		Dependencies: modloader.Dependencies{Names: []string{"https://example.test/b.js"}},
	})

	l := newLoader(t, fetcher, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.Evaluate(ctx, []string{"https://example.test/a.js"},
		`module.exports = require("https://example.test/a.js")`, nil, "E")
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.callCount("https://example.test/b.js"))

	snapBefore := l.Snapshot()
	require.Len(t, snapBefore.Wrappers, 3)

	l.Unload("B")

	snapAfter := l.Snapshot()
	require.Empty(t, snapAfter.Wrappers)
	require.Empty(t, snapAfter.Loads)

	_, err = l.Evaluate(ctx, []string{"https://example.test/a.js"},
		`module.exports = require("https://example.test/a.js")`, nil, "E2")
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.callCount("https://example.test/b.js"))
}

func TestLatchedErrorBlocksFurtherFetches(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/bad.js", modloader.FetchResult{
		ID:   "bad",
		Code: `throw new Error("boom")`,
	})
	fetcher.add("https://example.test/good.js", modloader.FetchResult{
		ID:   "good",
		Code: `module.exports = 1`,
	})

	l := newLoader(t, fetcher, func(error) {})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.Evaluate(ctx, []string{"https://example.test/bad.js"},
		`require("https://example.test/bad.js")`, nil, "")
	require.Error(t, err)

	_, err = l.Evaluate(ctx, []string{"https://example.test/good.js"},
		`module.exports = require("https://example.test/good.js")`, nil, "")
	require.Error(t, err)
	var latched *modloader.LatchedError
	require.ErrorAs(t, err, &latched)
	require.Equal(t, 0, fetcher.callCount("https://example.test/good.js"))

	l.ClearError()
	_, err = l.Evaluate(ctx, []string{"https://example.test/good.js"},
		`module.exports = require("https://example.test/good.js")`, nil, "")
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.callCount("https://example.test/good.js"))
}

func TestOnEntryFiresOnce(t *testing.T) {
	fetcher := newMemFetcher()
	fetcher.add("https://example.test/m.js", modloader.FetchResult{ID: "m", Code: `module.exports = 1`})

	var entryCount int
	l, err := modloader.New(modloader.Options{
		Fetcher:  fetcher,
		Compiler: jscompiler.New(),
		OnEntry:  func() { entryCount++ },
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = l.Evaluate(ctx, []string{"https://example.test/m.js"},
		`module.exports = require("https://example.test/m.js")`, nil, "")
	require.NoError(t, err)

	_, err = l.Evaluate(ctx, []string{"https://example.test/m.js"},
		`module.exports = require("https://example.test/m.js")`, nil, "")
	require.NoError(t, err)

	require.Equal(t, 1, entryCount, "onEntry fires at most once per loader instance")
}

func TestPreloadModule(t *testing.T) {
	fetcher := newMemFetcher()
	l := newLoader(t, fetcher, nil)

	err := l.PreloadModule("preloaded", goja.Null(), "", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod, err := l.Require(ctx, "preloaded")
	require.NoError(t, err)
	require.True(t, mod.Loaded)
}
