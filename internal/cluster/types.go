package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WorkerInfo describes one live worker as reported by the status API.
type WorkerInfo struct {
	StartedAt time.Time `json:"started_at"`
	ID        string    `json:"id"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
}

type WorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

// StatsResponse is the payload of GET /stats.
type StatsResponse struct {
	RunID        string `json:"run_id"`
	Distribution string `json:"distribution"`
	Requests     uint64 `json:"requests"`
	Workers      int    `json:"workers"`
}

type LogsResponse struct {
	Entries []string `json:"entries"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
