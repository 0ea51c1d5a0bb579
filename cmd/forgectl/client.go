package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiClient is a thin HTTP client for the RenderForge API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type jobView struct {
	ID                string  `json:"id"`
	Prompt            string  `json:"prompt"`
	Status            string  `json:"status"`
	Progress          int     `json:"progress"`
	VideoURL          *string `json:"video_url"`
	ErrorMessage      *string `json:"error_message"`
	AttemptsMade      int     `json:"attempts_made"`
	RegenerationCount int     `json:"regeneration_count"`
	OriginalJobID     *string `json:"original_job_id"`
	CreatedAt         string  `json:"created_at"`
}

type outputEventView struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// do issues a request and decodes the data envelope into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(env.Data, out)
}

func (c *apiClient) submit(ctx context.Context, prompt string) (*jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodPost, "/api/v1/videos", map[string]string{"prompt": prompt}, &job)
	return &job, err
}

func (c *apiClient) regenerate(ctx context.Context, id string) (*jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodPost, "/api/v1/videos/"+id+"/regenerate", nil, &job)
	return &job, err
}

func (c *apiClient) get(ctx context.Context, id string) (*jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodGet, "/api/v1/videos/"+id, nil, &job)
	return &job, err
}

func (c *apiClient) list(ctx context.Context) ([]jobView, error) {
	var jobs []jobView
	err := c.do(ctx, http.MethodGet, "/api/v1/videos", nil, &jobs)
	return jobs, err
}

func (c *apiClient) output(ctx context.Context, id string) ([]outputEventView, error) {
	var events []outputEventView
	err := c.do(ctx, http.MethodGet, "/api/v1/videos/"+id+"/output", nil, &events)
	return events, err
}

func (c *apiClient) kill(ctx context.Context, id string) (*jobView, error) {
	var job jobView
	err := c.do(ctx, http.MethodPost, "/api/v1/videos/"+id+"/kill", nil, &job)
	return &job, err
}

func (c *apiClient) delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/videos/"+id, nil, nil)
}

// download streams the rendered video to the given path.
func (c *apiClient) download(ctx context.Context, id, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/videos/"+id+"/file", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}
