package reputeflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Client wraps the HTTP interactions with the ReputeFlow escrow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents account credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// MilestoneSpec describes one payable milestone in a project submission.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Deadline    int64  `json:"deadline,omitempty"`
}

// ProjectSubmission represents the payload required to create a new project.
type ProjectSubmission struct {
	ClientID       string          `json:"client_id"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	RequiredSkills []string        `json:"required_skills,omitempty"`
	Milestones     []MilestoneSpec `json:"milestones"`
}

// Milestone mirrors the milestone state returned by the API.
type Milestone struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Completed   bool   `json:"completed"`
	Approved    bool   `json:"approved"`
	Released    bool   `json:"released"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
	ReleaseTx   string `json:"release_tx,omitempty"`
}

// Project contains the escrow state of one project.
type Project struct {
	ID           uint64      `json:"id"`
	ClientID     string      `json:"client_id"`
	FreelancerID string      `json:"freelancer_id,omitempty"`
	Title        string      `json:"title,omitempty"`
	Milestones   []Milestone `json:"milestones"`
	TotalBudget  int64       `json:"total_budget"`
	Status       string      `json:"status"`
	FundingTx    string      `json:"funding_tx,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
}

// Proposal contains a freelancer's bid as returned by the API.
type Proposal struct {
	ID           string `json:"id"`
	JobID        uint64 `json:"job_id"`
	FreelancerID string `json:"freelancer_id"`
	ProposedRate int64  `json:"proposed_rate"`
	Accepted     bool   `json:"accepted"`
	Rejected     bool   `json:"rejected"`
	Withdrawn    bool   `json:"withdrawn"`
	SubmittedAt  int64  `json:"submitted_at"`
}

// ProposalSubmission represents the payload of a bid on an open job.
type ProposalSubmission struct {
	FreelancerID   string `json:"freelancer_id"`
	CoverLetter    string `json:"cover_letter,omitempty"`
	ProposedRate   int64  `json:"proposed_rate"`
	EstimatedHours int    `json:"estimated_hours,omitempty"`
}

// APIError represents server side validation or internal errors. StatusCode
// carries the HTTP status and is never populated from the response body.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("reputeflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("reputeflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ReputeFlow escrow API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges account credentials for an access token and stores it
// for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// CreateProject creates a new escrow project with its milestone plan.
func (c *Client) CreateProject(ctx context.Context, submission ProjectSubmission) (Project, error) {
	var project Project
	payload := struct {
		Spec ProjectSubmission `json:"spec"`
	}{Spec: submission}
	if err := c.post(ctx, "/api/v1/projects", payload, &project, true); err != nil {
		return Project{}, err
	}
	return project, nil
}

// GetProject fetches project state by identifier.
func (c *Client) GetProject(ctx context.Context, id uint64) (Project, error) {
	var project Project
	if err := c.get(ctx, fmt.Sprintf("/api/v1/projects/%d", id), &project, true); err != nil {
		return Project{}, err
	}
	return project, nil
}

// FundProject locks the full budget of a project into escrow.
func (c *Client) FundProject(ctx context.Context, id uint64, amount int64) (Project, error) {
	var project Project
	payload := struct {
		Amount int64 `json:"amount"`
	}{Amount: amount}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/projects/%d/fund", id), payload, &project, true); err != nil {
		return Project{}, err
	}
	return project, nil
}

// SubmitMilestone submits a deliverable for review.
func (c *Client) SubmitMilestone(ctx context.Context, id uint64, idx int, evidenceRef string) (Project, error) {
	var project Project
	payload := struct {
		EvidenceRef string `json:"evidence_ref"`
	}{EvidenceRef: evidenceRef}
	endpoint := fmt.Sprintf("/api/v1/projects/%d/milestones/%d/submit", id, idx)
	if err := c.post(ctx, endpoint, payload, &project, true); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ApproveMilestone approves a submitted deliverable, triggering the payout.
func (c *Client) ApproveMilestone(ctx context.Context, id uint64, idx int) (Project, error) {
	var project Project
	endpoint := fmt.Sprintf("/api/v1/projects/%d/milestones/%d/approve", id, idx)
	if err := c.post(ctx, endpoint, struct{}{}, &project, true); err != nil {
		return Project{}, err
	}
	return project, nil
}

// SubmitProposal places a bid on an open job.
func (c *Client) SubmitProposal(ctx context.Context, jobID uint64, submission ProposalSubmission) (Proposal, error) {
	var proposal Proposal
	endpoint := fmt.Sprintf("/api/v1/jobs/%d/proposals", jobID)
	if err := c.post(ctx, endpoint, submission, &proposal, true); err != nil {
		return Proposal{}, err
	}
	return proposal, nil
}

// AcceptProposal accepts a bid, assigning the freelancer to the job.
func (c *Client) AcceptProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var proposal Proposal
	endpoint := fmt.Sprintf("/api/v1/proposals/%s/accept", url.PathEscape(proposalID))
	if err := c.post(ctx, endpoint, struct{}{}, &proposal, true); err != nil {
		return Proposal{}, err
	}
	return proposal, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
