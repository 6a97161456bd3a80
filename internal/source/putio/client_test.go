package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/source"
)

const (
	folderJSON = `{"file":{"id":200,"name":"season-1","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`
	videoJSON  = `{"file":{"id":100,"name":"episode-1.mkv","size":1500,"file_type":"VIDEO","content_type":"video/x-matroska"}}`
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/v2/account/info", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"info":{"username":"tester"},"status":"OK"}`)
	})

	mux.HandleFunc("/v2/files/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("parent_id") {
		case "200":
			fmt.Fprint(w, `{"files":[
				{"id":100,"name":"episode-1.mkv","size":1500,"file_type":"VIDEO"},
				{"id":300,"name":"extras","size":0,"file_type":"FOLDER"}
			],"parent":{"id":200,"name":"season-1","file_type":"FOLDER"}}`)
		case "300":
			fmt.Fprint(w, `{"files":[{"id":301,"name":"making-of.mkv","size":10,"file_type":"VIDEO"}],
				"parent":{"id":300,"name":"extras","file_type":"FOLDER"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})

	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v2/files/")
		w.Header().Set("Content-Type", "application/json")

		switch rest {
		case "100":
			fmt.Fprint(w, videoJSON)
		case "100/url":
			fmt.Fprint(w, `{"url":"https://cdn.put.io/episode-1.mkv?token=abc"}`)
		case "200":
			fmt.Fprint(w, folderJSON)
		case "300":
			fmt.Fprint(w, `{"file":{"id":300,"name":"extras","size":0,"file_type":"FOLDER"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	srv := newTestServer(t)

	c := NewClient("test-token", srv.Client(), nil)
	require.NoError(t, c.SetBaseURL(srv.URL))

	return c
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	require.NoError(t, err)

	return u
}

func TestResolve(t *testing.T) {
	c := newTestClient(t)

	res, err := c.Resolve(context.Background(), mustParse(t, "putio://100"))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.put.io/episode-1.mkv?token=abc", res.URL)
	assert.Equal(t, "episode-1.mkv", res.FilenameHint)
	assert.Equal(t, "video/x-matroska", res.MimeType)
	assert.Equal(t, int64(1500), res.Size)
}

func TestResolveErrors(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Resolve(context.Background(), mustParse(t, "putio://200"))
	require.ErrorContains(t, err, "is a folder")

	_, err = c.Resolve(context.Background(), mustParse(t, "putio://999"))
	require.ErrorIs(t, err, source.ErrNotFound)

	_, err = c.Resolve(context.Background(), mustParse(t, "putio://abc"))
	require.ErrorIs(t, err, source.ErrInvalidURI)
}

func TestExpand(t *testing.T) {
	c := newTestClient(t)

	uris, err := c.Expand(context.Background(), mustParse(t, "putio://200"))
	require.NoError(t, err)
	assert.Equal(t, []string{"putio://100", "putio://301"}, uris)

	uris, err = c.Expand(context.Background(), mustParse(t, "putio://100"))
	require.NoError(t, err)
	assert.Equal(t, []string{"putio://100"}, uris)

	// The folder lookup only carries file_type, not the directory content type.
	uris, err = c.Expand(context.Background(), mustParse(t, "putio://300"))
	require.NoError(t, err)
	assert.Equal(t, []string{"putio://301"}, uris)
}

func TestIsFolder(t *testing.T) {
	assert.True(t, isFolder(&putio.File{ContentType: "application/x-directory"}))
	assert.True(t, isFolder(&putio.File{FileType: "FOLDER"}))
	assert.False(t, isFolder(&putio.File{FileType: "VIDEO", ContentType: "video/x-matroska"}))
}

func TestRegistryIntegration(t *testing.T) {
	r := source.NewRegistry()
	r.Register(Scheme, newTestClient(t))

	res, err := r.Resolve(context.Background(), "putio://100")
	require.NoError(t, err)
	assert.Equal(t, "episode-1.mkv", res.FilenameHint)
}

func TestAuthenticate(t *testing.T) {
	require.NoError(t, newTestClient(t).Authenticate(context.Background()))
}

func TestFileID(t *testing.T) {
	id, err := fileID(mustParse(t, "putio:///42"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = fileID(mustParse(t, "putio://0"))
	require.Error(t, err)
}
