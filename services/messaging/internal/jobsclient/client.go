package jobsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gigwire/internal/servicetoken"
)

// tokenAudience is the jobs service's internal token audience.
const tokenAudience = "jobs"

// Job is the jobs service's internal representation of a job posting. The
// messaging service only reads the fields it needs for room access checks
// and notification fan-out.
type Job struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	ClientID   string `json:"clientId"`
	AssigneeID string `json:"assigneeId,omitempty"`
	Category   string `json:"category,omitempty"`
	Region     string `json:"region,omitempty"`
}

// APIError represents a jobs service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobs service: %s (status %d)", e.Message, e.Status)
}

// Client calls the jobs service's internal HTTP API using short-lived
// service tokens.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// NewClient constructs a jobs service client.
func NewClient(baseURL string, signer *servicetoken.Signer) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("jobs service base url is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("internal signer is required")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/jobs/"+jobID, nil)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := c.do(req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// EligibleProviders returns the provider IDs in a job's category and region
// that should be notified when the job is posted.
func (c *Client) EligibleProviders(ctx context.Context, jobID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/jobs/"+jobID+"/eligible-providers", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ProviderIDs []string `json:"providerIds"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.ProviderIDs, nil
}

func (c *Client) do(req *http.Request, out any) error {
	token, err := c.signer.Sign(tokenAudience)
	if err != nil {
		return fmt.Errorf("sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}
