package status_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	modloader "github.com/draganm/go-modloader"
	"github.com/draganm/go-modloader/internal/status"
)

type fakeSnapshotter struct {
	snap modloader.Snapshot
}

func (f fakeSnapshotter) Snapshot() modloader.Snapshot { return f.snap }

func testSnapshot() modloader.Snapshot {
	return modloader.Snapshot{
		Wrappers: []modloader.WrapperSnapshot{
			{ID: "a", Loaded: true, Prepared: true, ConstructedAt: time.Now()},
		},
		Loads: []modloader.LoadSnapshot{
			{URL: "https://example.test/a.js", RequiredByCount: 1},
		},
		Latched: false,
	}
}

func TestServeHTML(t *testing.T) {
	h := status.New(fakeSnapshotter{snap: testSnapshot()})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeJSON(t *testing.T) {
	h := status.New(fakeSnapshotter{snap: testSnapshot()})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded modloader.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Wrappers, 1)
	require.Equal(t, "a", decoded.Wrappers[0].ID)
}
