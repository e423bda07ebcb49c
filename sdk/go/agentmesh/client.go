package agentmesh

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	requesterID string
}

// TaskSubmission represents the payload required to dispatch a new task.
type TaskSubmission struct {
	Request     string         `json:"request"`
	RequesterID string         `json:"requester_id,omitempty"`
	Specialist  string         `json:"specialist,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Receipt is returned when a task is accepted for dispatch.
type Receipt struct {
	TaskID     string   `json:"task_id"`
	Status     string   `json:"status"`
	Specialist string   `json:"specialist"`
	Pipeline   []string `json:"pipeline,omitempty"`
}

// PaymentRecord mirrors a settled or pending fee attached to a task.
type PaymentRecord struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Network   string  `json:"network"`
	Recipient string  `json:"recipient"`
	TxHash    string  `json:"tx_hash,omitempty"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"`
}

// Message is one entry of a task's audit trail.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Task is the full task snapshot returned by the API.
type Task struct {
	ID          string          `json:"id"`
	Request     string          `json:"request"`
	RequesterID string          `json:"requester_id,omitempty"`
	Specialist  string          `json:"specialist"`
	Status      string          `json:"status"`
	Payments    []PaymentRecord `json:"payments"`
	Messages    []Message       `json:"messages"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Specialist describes a registered worker and its fee.
type Specialist struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Fee         float64 `json:"fee"`
	SuccessRate int     `json:"success_rate"`
}

// InvokeResult is the structured response of a direct specialist invocation.
type InvokeResult struct {
	Success bool           `json:"success"`
	Reply   string         `json:"reply"`
	Data    map[string]any `json:"data,omitempty"`
}

// PaymentRequirement is one acceptable way to pay for an invocation.
type PaymentRequirement struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	PayTo       string `json:"payTo"`
	Description string `json:"description"`
}

// PaymentRequiredError is returned when an invocation needs payment first.
type PaymentRequiredError struct {
	Accepts []PaymentRequirement
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("agentmesh: payment required (%d options)", len(e.Accepts))
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMesh API. When httpClient is
// nil, a default client with a sensible timeout is used. The base URL must be
// valid; an invalid URL is a programming error and triggers a panic.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("agentmesh: invalid base url %q: %v", rawURL, err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetRequesterID stores the identity attached to subsequent calls.
func (c *Client) SetRequesterID(id string) {
	c.mu.Lock()
	c.requesterID = id
	c.mu.Unlock()
}

// RequesterID returns the stored requester identity.
func (c *Client) RequesterID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requesterID
}

// SubmitTask dispatches a new task and returns the acceptance receipt.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Receipt, error) {
	if submission.RequesterID == "" {
		submission.RequesterID = c.RequesterID()
	}
	var receipt Receipt
	if err := c.post(ctx, "/api/v1/tasks", submission, nil, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// GetTask fetches a task snapshot by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitForCompletion polls the task until it reaches a terminal status.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Status == "completed" || task.Status == "failed" {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListSpecialists returns the registered specialists and their fees.
func (c *Client) ListSpecialists(ctx context.Context) ([]Specialist, error) {
	var payload struct {
		Specialists []Specialist `json:"specialists"`
	}
	if err := c.get(ctx, "/api/v1/specialists", &payload); err != nil {
		return nil, err
	}
	return payload.Specialists, nil
}

// Vote submits an up or down vote for the specialist that served a task.
func (c *Client) Vote(ctx context.Context, taskID, direction string) error {
	body := map[string]string{
		"voter_id":  c.RequesterID(),
		"task_id":   taskID,
		"direction": direction,
	}
	return c.post(ctx, "/api/v1/votes", body, nil, nil)
}

// Invoke calls a specialist directly. For priced specialists a payment
// signature must be provided; otherwise a PaymentRequiredError carrying the
// decoded requirements document is returned.
func (c *Client) Invoke(ctx context.Context, specialistID, request, paymentSignature string) (InvokeResult, error) {
	headers := map[string]string{}
	if paymentSignature != "" {
		headers["X-Payment"] = paymentSignature
	}
	var result InvokeResult
	endpoint := "/api/v1/specialists/" + url.PathEscape(specialistID) + "/invoke"
	err := c.post(ctx, endpoint, map[string]string{"request": request}, headers, &result)
	if err != nil {
		return InvokeResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requester := c.RequesterID(); requester != "" {
		req.Header.Set("X-Requester-ID", requester)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return decodePaymentRequired(resp)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodePaymentRequired prefers the X-Payment-Requirements header and falls
// back to the response body.
func decodePaymentRequired(resp *http.Response) error {
	required := &PaymentRequiredError{}
	if encoded := resp.Header.Get("X-Payment-Requirements"); encoded != "" {
		if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			var doc struct {
				Accepts []PaymentRequirement `json:"accepts"`
			}
			if json.Unmarshal(raw, &doc) == nil {
				required.Accepts = doc.Accepts
				return required
			}
		}
	}
	var doc struct {
		Accepts []PaymentRequirement `json:"accepts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err == nil {
		required.Accepts = doc.Accepts
	}
	return required
}
