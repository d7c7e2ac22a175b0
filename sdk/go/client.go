package commitlinesdk

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
)

// Client is a minimal commitline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Result is the outcome of an orchestration request. Skipped runs carry a
// Reason and no counts.
type Result struct {
	OK                  bool   `json:"ok"`
	Skipped             bool   `json:"skipped"`
	Reason              string `json:"reason"`
	TenantID            string `json:"tenant_id"`
	CommitmentID        string `json:"commitment_id"`
	DeliverablesCreated int    `json:"deliverables_created"`
	DependenciesCreated int    `json:"dependencies_created"`
	RunID               string `json:"run_id"`
}

type DeliverableMetadata struct {
	TemplateID       string `json:"template_id"`
	CommitmentItemID string `json:"commitment_item_id"`
	Seq              int    `json:"seq"`
	Total            int    `json:"total"`
}

// Deliverable represents the API deliverable model.
type Deliverable struct {
	ID               string              `json:"id"`
	TenantID         string              `json:"tenant_id"`
	CommitmentID     string              `json:"commitment_id"`
	CommitmentItemID string              `json:"commitment_item_id"`
	TemplateID       string              `json:"template_id"`
	EntityID         string              `json:"entity_id"`
	Title            string              `json:"title"`
	Status           string              `json:"status"`
	OwnerID          *string             `json:"owner_id,omitempty"`
	DueDate          *string             `json:"due_date,omitempty"`
	Metadata         DeliverableMetadata `json:"metadata"`
	Position         int                 `json:"position"`
	CreatedAt        string              `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Detail     string `json:"detail"`
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s detail=%s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Orchestrate triggers deliverable generation for a commitment.
func (c *Client) Orchestrate(ctx context.Context, commitmentID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "orchestrations", map[string]string{"commitment_id": commitmentID}, &resp)
	return resp, err
}

// Deliverables lists a commitment's deliverables in creation order.
func (c *Client) Deliverables(ctx context.Context, commitmentID string) ([]Deliverable, error) {
	var resp struct {
		Items []Deliverable `json:"items"`
	}
	endpoint := fmt.Sprintf("commitments/%s/deliverables", url.PathEscape(commitmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
