// Package putio resolves putio://<file id> URIs through the put.io API.
package putio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/source"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// Scheme is the URI scheme handled by Client.
const Scheme = "putio"

type Client struct {
	putioClient *putio.Client
	telemetry   *telemetry.Telemetry
}

// NewClient creates a put.io client authenticating with token. base may
// carry http.Client settings such as an instrumented transport; nil uses
// the defaults.
func NewClient(token string, base *http.Client, tel *telemetry.Telemetry) *Client {
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(ctx, tokenSource)

	return &Client{
		putioClient: putio.NewClient(oauthClient),
		telemetry:   tel,
	}
}

// SetBaseURL points the client at another API endpoint.
func (c *Client) SetBaseURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid put.io base url: %w", err)
	}

	c.putioClient.BaseURL = u

	return nil
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	var user putio.AccountInfo

	err := c.telemetry.InstrumentClientOperation(ctx, "putio", "authenticate", func(ctx context.Context) error {
		var err error
		user, err = c.putioClient.Account.Info(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Resolve turns putio://<file id> into a short-lived download URL.
func (c *Client) Resolve(ctx context.Context, u *url.URL) (source.Resolved, error) {
	id, err := fileID(u)
	if err != nil {
		return source.Resolved{}, err
	}

	var (
		file        putio.File
		downloadURL string
	)

	err = c.telemetry.InstrumentClientOperation(ctx, "putio", "resolve", func(ctx context.Context) error {
		var err error

		file, err = c.putioClient.Files.Get(ctx, id)
		if err != nil {
			return classify(err)
		}

		if isFolder(&file) {
			return fmt.Errorf("put.io file %d is a folder", id)
		}

		downloadURL, err = c.putioClient.Files.URL(ctx, id, false)
		if err != nil {
			return classify(err)
		}

		return nil
	})
	if err != nil {
		return source.Resolved{}, fmt.Errorf("failed to resolve put.io file %d: %w", id, err)
	}

	return source.Resolved{
		URL:          downloadURL,
		FilenameHint: file.Name,
		MimeType:     file.ContentType,
		Size:         file.Size,
	}, nil
}

// Expand lists every file below a put.io folder, depth first. A plain file
// expands to itself.
func (c *Client) Expand(ctx context.Context, u *url.URL) ([]string, error) {
	id, err := fileID(u)
	if err != nil {
		return nil, err
	}

	var ids []int64

	err = c.telemetry.InstrumentClientOperation(ctx, "putio", "expand", func(ctx context.Context) error {
		var err error
		ids, err = c.getFilesRecursively(ctx, id)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expand put.io folder %d: %w", id, err)
	}

	uris := make([]string, 0, len(ids))
	for _, id := range ids {
		uris = append(uris, Scheme+"://"+strconv.FormatInt(id, 10))
	}

	return uris, nil
}

func (c *Client) getFilesRecursively(ctx context.Context, id int64) ([]int64, error) {
	file, err := c.putioClient.Files.Get(ctx, id)
	if err != nil {
		return nil, classify(err)
	}

	if !isFolder(&file) {
		return []int64{file.ID}, nil
	}

	return c.listRecursively(ctx, id)
}

// listRecursively collects the files below a folder. Children are classified
// from the listing itself so each folder is fetched once.
func (c *Client) listRecursively(ctx context.Context, parentID int64) ([]int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", parentID)

	files, _, err := c.putioClient.Files.List(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var result []int64

	for _, f := range files {
		if !isFolder(&f) {
			result = append(result, f.ID)

			continue
		}

		nested, err := c.listRecursively(ctx, f.ID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get nested files", "folder_id", f.ID, "err", err)

			continue
		}

		result = append(result, nested...)
	}

	return result, nil
}

// isFolder accepts either marker: listings carry file_type, single file
// lookups the directory content type.
func isFolder(f *putio.File) bool {
	return f.IsDir() || strings.EqualFold(f.FileType, "folder")
}

func fileID(u *url.URL) (int64, error) {
	raw := u.Host
	if raw == "" {
		raw = strings.Trim(path.Clean(u.Path), "/")
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w %q: want %s://<file id>", source.ErrInvalidURI, u.String(), Scheme)
	}

	return id, nil
}

func classify(err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", source.ErrNotFound, err)
	}

	return err
}
