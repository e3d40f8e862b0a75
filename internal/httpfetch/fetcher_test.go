package httpfetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	modloader "github.com/draganm/go-modloader"
	"github.com/draganm/go-modloader/internal/httpfetch"
)

func TestFetchDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "parent", r.Header.Get("X-Required-By"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "m",
			"code": "module.exports = 1",
			"dependencies": ["a", "b"],
			"dependencyVersionRanges": {"a": "^1.0.0"},
			"css": ".x{color:red}"
		}`))
	}))
	defer srv.Close()

	f := httpfetch.New(nil)
	result, err := f.Fetch(context.Background(), srv.URL, modloader.FetchOptions{RequiredByID: "parent"})
	require.NoError(t, err)

	require.Equal(t, "m", result.ID)
	require.Equal(t, "module.exports = 1", result.Code)
	require.Equal(t, []string{"a", "b"}, result.Dependencies.Names)
	require.False(t, result.Dependencies.UMD)
	require.Equal(t, "^1.0.0", result.DependencyVersionRange["a"])
	require.True(t, result.HasCSS)
	require.Equal(t, ".x{color:red}", result.CSS)
}

func TestFetchUMDDependencies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "u", "code": "", "dependencies": "umd"}`))
	}))
	defer srv.Close()

	f := httpfetch.New(nil)
	result, err := f.Fetch(context.Background(), srv.URL, modloader.FetchOptions{})
	require.NoError(t, err)
	require.True(t, result.Dependencies.UMD)
}

func TestFetchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := httpfetch.New(nil)
	_, err := f.Fetch(context.Background(), srv.URL, modloader.FetchOptions{})
	require.Error(t, err)
}
