package tidelinesdk

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

// Client is a minimal Tideline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Stage represents the API stage model.
type Stage struct {
	ID                   string `json:"id"`
	ProjectID            string `json:"project_id"`
	Name                 string `json:"name"`
	Order                int    `json:"order"`
	RequiredApproverRole string `json:"required_approver_role,omitempty"`
	CompletionPercentage int    `json:"completion_percentage"`
	ApprovalStatus       string `json:"approval_status"`
}

// Checklist represents the API checklist model (partial).
type Checklist struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	TemplateID   string          `json:"template_id"`
	TemplateName string          `json:"template_name,omitempty"`
	StageID      *string         `json:"stage_id,omitempty"`
	Status       string          `json:"status"`
	Items        []ChecklistItem `json:"items,omitempty"`
}

// ChecklistItem represents a single checklist item.
type ChecklistItem struct {
	ID          string  `json:"id"`
	ChecklistID string  `json:"checklist_id"`
	Label       string  `json:"label"`
	Type        string  `json:"type"`
	Required    bool    `json:"required"`
	Status      string  `json:"status"`
	Value       any     `json:"value,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	DueAt       *string `json:"due_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Approval represents a stage approval decision.
type Approval struct {
	ID           string `json:"id"`
	StageID      string `json:"stage_id"`
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
	Status       string `json:"status"`
	Note         string `json:"note,omitempty"`
	DecidedAt    string `json:"decided_at"`
}

// StageProgress is one stage's slice of the project progress report.
type StageProgress struct {
	StageID        string `json:"stage_id"`
	Name           string `json:"name"`
	Order          int    `json:"order"`
	Percentage     int    `json:"percentage"`
	Status         string `json:"status"`
	ApprovalStatus string `json:"approval_status"`
}

// Progress is the project progress report.
type Progress struct {
	ProjectID         string          `json:"project_id"`
	OverallPercentage int             `json:"overall_percentage"`
	Stages            []StageProgress `json:"stages"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListStages returns the project's stages with completion and approval status.
func (c *Client) ListStages(ctx context.Context) ([]Stage, error) {
	var resp struct {
		Items []Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("stages"), nil, &resp)
	return resp.Items, err
}

// CreateChecklist instantiates a checklist from a template, optionally bound
// to a stage.
func (c *Client) CreateChecklist(ctx context.Context, templateName, stageID string) (Checklist, error) {
	body := map[string]any{
		"template_name": templateName,
	}
	if stageID != "" {
		body["stage_id"] = stageID
	}
	var resp Checklist
	err := c.do(ctx, http.MethodPost, c.projectPath("checklists"), body, &resp)
	return resp, err
}

// GetChecklist fetches a checklist with its items.
func (c *Client) GetChecklist(ctx context.Context, id string) (Checklist, error) {
	var resp Checklist
	endpoint := fmt.Sprintf("v0/checklists/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateChecklistItem patches a checklist item. Nil pointers leave the
// corresponding field untouched.
func (c *Client) UpdateChecklistItem(ctx context.Context, itemID string, status *string, value any, assigneeID *string) (ChecklistItem, error) {
	body := map[string]any{}
	if status != nil {
		body["status"] = *status
	}
	if value != nil {
		body["value"] = value
	}
	if assigneeID != nil {
		body["assignee_id"] = *assigneeID
	}
	var resp ChecklistItem
	endpoint := fmt.Sprintf("v0/checklist-items/%s", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ApproveStage records an approval decision on a stage.
func (c *Client) ApproveStage(ctx context.Context, stageID, status, note string) (Approval, error) {
	body := map[string]any{
		"status": status,
	}
	if note != "" {
		body["note"] = note
	}
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/approve", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListApprovals returns the approval history for a stage.
func (c *Client) ListApprovals(ctx context.Context, stageID string) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/approvals", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetProgress returns the project progress report.
func (c *Client) GetProgress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.projectPath("progress"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
