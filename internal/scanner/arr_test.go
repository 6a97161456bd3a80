package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestScan(t *testing.T) {
	var got commandRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/command", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewArrClient("secret", srv.URL+"/", nil)

	require.NoError(t, c.RequestScan(context.Background(), "/downloads/show.mkv"))
	assert.Equal(t, commandRequest{Name: "DownloadedEpisodesScan", Path: "/downloads/show.mkv"}, got)
}

func TestRequestScanFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	require.Error(t, NewArrClient("bad", srv.URL, nil).RequestScan(context.Background(), "/x"))
}

func TestCheckImportedPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")

		resp := HistoryResponse{TotalRecords: 2}
		if page == "0" {
			resp.Records = []HistoryRecord{{EventType: "grabbed"}}
		} else {
			resp.Records = []HistoryRecord{{
				EventType: "downloadFolderImported",
				Data:      map[string]any{"droppedPath": "/downloads/show.mkv"},
			}}
		}

		fmt.Fprint(w, mustJSON(t, resp))
	}))
	defer srv.Close()

	c := NewArrClient("secret", srv.URL, nil)

	imported, err := c.CheckImported(context.Background(), "/downloads/show.mkv")
	require.NoError(t, err)
	assert.True(t, imported)

	imported, err = c.CheckImported(context.Background(), "/downloads/other.mkv")
	require.NoError(t, err)
	assert.False(t, imported)
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.RequestScan(context.Background(), "/x"))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return string(b)
}
