// Package modloader is a dynamic module loader: it fetches, links, and
// evaluates JavaScript modules at runtime against an embedded goja VM,
// honoring commonjs/AMD/UMD calling conventions while tolerating
// dependency cycles.
//
// The entry point is Loader, constructed with New. Callers supply a
// Fetcher (how to retrieve a module's source for a URL) and a Compiler (New
// fails without one) and, optionally, a Resolver, globals, and lifecycle
// callbacks (OnEntry, OnError).
// internal/jscompiler provides a goja-backed Compiler;
// internal/httpfetch provides a default network Fetcher.
package modloader
