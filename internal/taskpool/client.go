package taskpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lanlu-tracker/internal/models"
)

// maxBodyBytes bounds how much of a response we are willing to read.
const maxBodyBytes = 4 * 1024 * 1024

// Client talks to the archive server's task-pool and download endpoints.
// It is the only component that performs network I/O against the server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the given server base URL. Timeout zero means 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GroupID derives the task-group key under which the server files tasks
// spawned as side effects of a download task.
func GroupID(downloadTaskID string) string {
	return "download_url:" + downloadTaskID
}

// Task fetches a single task-pool record by id.
func (c *Client) Task(ctx context.Context, token, id string) (models.Task, error) {
	var task models.Task
	err := c.getJSON(ctx, token, "/api/taskpool/"+url.PathEscape(id), &task)
	if err != nil {
		return models.Task{}, fmt.Errorf("fetch task %s: %w", id, err)
	}
	return task, nil
}

// Group fetches every task filed under the given group key.
func (c *Client) Group(ctx context.Context, token, groupID string) ([]models.Task, error) {
	var tasks []models.Task
	err := c.getJSON(ctx, token, "/api/taskpool/group/"+url.PathEscape(groupID), &tasks)
	if err != nil {
		return nil, fmt.Errorf("fetch task group %s: %w", groupID, err)
	}
	return tasks, nil
}

// DownloadRequest is the body of POST /api/download_url.
type DownloadRequest struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
}

type downloadResponse struct {
	Success int              `json:"success"`
	Job     models.LaxString `json:"job"`
	Error   string           `json:"error"`
}

// EnqueueDownload asks the server to archive a URL and returns the id of the
// download task it created.
func (c *Client) EnqueueDownload(ctx context.Context, token string, req DownloadRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal download request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/download_url", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq, token)

	var resp downloadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return "", fmt.Errorf("enqueue download: %w", err)
	}
	if resp.Success == 0 {
		msg := resp.Error
		if msg == "" {
			msg = "server rejected the download request"
		}
		return "", fmt.Errorf("enqueue download: %s", msg)
	}
	if resp.Job == "" {
		return "", fmt.Errorf("enqueue download: server returned no job id")
	}
	return string(resp.Job), nil
}

type searchResponse struct {
	Data []struct {
		ArchiveID models.LaxString `json:"arcid"`
		Title     string           `json:"title"`
	} `json:"data"`
}

// SearchSource checks whether a URL was already archived, returning the
// existing archive id and title on a hit.
func (c *Client) SearchSource(ctx context.Context, token, sourceURL string) (archiveID, title string, found bool, err error) {
	q := url.Values{}
	q.Set("filter", "source:"+sourceURL+"$")
	q.Set("start", "0")
	q.Set("count", "1")

	var resp searchResponse
	if err := c.getJSON(ctx, token, "/api/search?"+q.Encode(), &resp); err != nil {
		return "", "", false, fmt.Errorf("search source: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].ArchiveID == "" {
		return "", "", false, nil
	}
	return string(resp.Data[0].ArchiveID), resp.Data[0].Title, true, nil
}

func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	setAuth(req, token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
