package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// ArrClient talks to the API of an *arr application (Sonarr, Radarr).
type ArrClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	telemetry *telemetry.Telemetry
}

// NewArrClient creates a new *arr API client.
func NewArrClient(apiKey, baseURL string, tel *telemetry.Telemetry) *ArrClient {
	return &ArrClient{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey:    apiKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		telemetry: tel,
	}
}

type HistoryRecord struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
}

type HistoryResponse struct {
	Records      []HistoryRecord `json:"records"`
	TotalRecords int             `json:"totalRecords"`
}

type commandRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RequestScan asks the application to import a downloaded path.
func (c *ArrClient) RequestScan(ctx context.Context, path string) error {
	return c.telemetry.InstrumentClientOperation(ctx, "arr", "request_scan", func(ctx context.Context) error {
		body, err := json.Marshal(commandRequest{Name: "DownloadedEpisodesScan", Path: path})
		if err != nil {
			return fmt.Errorf("failed to marshal command: %w", err)
		}

		resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v3/command", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("scan command failed with status %d", resp.StatusCode)
		}

		return nil
	})
}

// CheckImported checks if a target path has been imported into the *arr application.
func (c *ArrClient) CheckImported(ctx context.Context, target string) (bool, error) {
	var imported bool

	err := c.telemetry.InstrumentClientOperation(ctx, "arr", "check_imported", func(ctx context.Context) error {
		var err error
		imported, err = c.checkImported(ctx, target)

		return err
	})

	return imported, err
}

func (c *ArrClient) checkImported(ctx context.Context, target string) (bool, error) {
	inspected := 0
	page := 0

	for {
		url := fmt.Sprintf("%s/api/v3/history?includeSeries=false&includeEpisode=false&page=%d&pageSize=1000", c.baseURL, page)

		historyResponse, err := c.history(ctx, url)
		if err != nil {
			return false, err
		}

		for _, record := range historyResponse.Records {
			if record.EventType == "downloadFolderImported" {
				if droppedPath, ok := record.Data["droppedPath"].(string); ok && droppedPath == target {
					return true, nil
				}
			}

			inspected++
		}

		if len(historyResponse.Records) == 0 || historyResponse.TotalRecords <= inspected {
			return false, nil
		}

		page++
	}
}

func (c *ArrClient) history(ctx context.Context, url string) (HistoryResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HistoryResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HistoryResponse{}, fmt.Errorf("url: %s, status: %d", url, resp.StatusCode)
	}

	var historyResponse HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&historyResponse); err != nil {
		return HistoryResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return historyResponse, nil
}

func (c *ArrClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}
