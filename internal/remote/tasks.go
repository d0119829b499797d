package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTaskClient posts task requests to a task endpoint on the source host.
type HTTPTaskClient struct {
	baseURL string
	path    string
	creds   Credentials
	client  *http.Client
}

func NewHTTPTaskClient(baseURL, path string, creds Credentials, client *http.Client) *HTTPTaskClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTaskClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    strings.Trim(path, "/"),
		creds:   creds,
		client:  client,
	}
}

func (c *HTTPTaskClient) CleanupSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	return c.perform(ctx, TaskCleanupSnapshot, spaceID)
}

func (c *HTTPTaskClient) CompleteSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	return c.perform(ctx, TaskCompleteSnapshot, spaceID)
}

func (c *HTTPTaskClient) perform(ctx context.Context, task, spaceID string) (TaskResult, error) {
	body, err := json.Marshal(map[string]string{"spaceId": spaceID})
	if err != nil {
		return TaskResult{}, err
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.path, task)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TaskResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%s on %s: %w", task, spaceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return TaskResult{}, fmt.Errorf("%s on %s returned %s", task, spaceID, resp.Status)
	}

	result := TaskResult{Task: task, SpaceID: spaceID}
	// An empty body is an acceptable answer.
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return TaskResult{}, fmt.Errorf("decode %s result: %w", task, err)
	}
	return result, nil
}
