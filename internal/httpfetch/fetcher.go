// Package httpfetch implements the default network Fetcher, grounded on
// leanhttp/provider.go's request/response shaping (the teacher's pattern
// for exposing an *http.Client to goja), adapted here from "expose an HTTP
// client to JS code" to "fetch a module's source and metadata over HTTP".
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	modloader "github.com/draganm/go-modloader"
)

// wireFetchResult is the JSON shape expected from a module URL's response
// body, mirroring spec.md §3's FetchResult.
type wireFetchResult struct {
	URL                    string            `json:"url"`
	ID                     string            `json:"id"`
	Code                   string            `json:"code"`
	Dependencies           json.RawMessage   `json:"dependencies"`
	DependencyVersionRange map[string]string `json:"dependencyVersionRanges"`
	CSS                    *string           `json:"css"`
}

// Fetcher is the default modloader.Fetcher: it issues a GET to the module
// URL and expects a JSON body shaped like wireFetchResult.
type Fetcher struct {
	Client *http.Client
}

// New returns a Fetcher using client, or http.DefaultClient if nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{Client: client}
}

// Fetch implements modloader.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts modloader.FetchOptions) (modloader.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not build request for %s: %w", url, err)
	}
	if opts.RequiredByID != "" {
		req.Header.Set("X-Required-By", opts.RequiredByID)
	}
	if opts.OriginalRequest != "" {
		req.Header.Set("X-Original-Request", opts.OriginalRequest)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not read response body for %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return modloader.FetchResult{}, fmt.Errorf("fetching %s returned status %d", url, resp.StatusCode)
	}

	var wire wireFetchResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not decode fetch result for %s: %w", url, err)
	}

	result := modloader.FetchResult{
		URL:                    wire.URL,
		ID:                     wire.ID,
		Code:                   wire.Code,
		DependencyVersionRange: wire.DependencyVersionRange,
	}
	if result.URL == "" {
		result.URL = url
	}
	if wire.CSS != nil {
		result.CSS = *wire.CSS
		result.HasCSS = true
	}

	deps, err := decodeDependencies(wire.Dependencies)
	if err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not decode dependencies for %s: %w", url, err)
	}
	result.Dependencies = deps

	return result, nil
}

func decodeDependencies(raw json.RawMessage) (modloader.Dependencies, error) {
	if len(raw) == 0 {
		return modloader.Dependencies{}, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "umd" {
			return modloader.Dependencies{UMD: true}, nil
		}
		return modloader.Dependencies{}, fmt.Errorf("unexpected dependencies string %q", asString)
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return modloader.Dependencies{Names: asList}, nil
	}

	return modloader.Dependencies{}, fmt.Errorf("dependencies must be a string list or the literal \"umd\"")
}
