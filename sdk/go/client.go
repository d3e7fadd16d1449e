// Package planlocksdk is a small Go client for the Planlock HTTP API.
// It signs every request with the tenant's shared secret using the same
// canonical representation the gateway verifies: method, path with sorted
// query, timestamp, nonce, tenant, site, admin flag and the body digest.
package planlocksdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client talks to a Planlock server. Secret is the tenant signing secret;
// when it is empty and OperatorToken is set, requests go out as bearer
// reads instead (the server only accepts those for GETs).
type Client struct {
	BaseURL       string
	TenantID      string
	SiteID        string
	ActorID       string
	Admin         bool
	Secret        string
	OperatorToken string
	HTTPClient    *http.Client
	Timeout       time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New creates a signing client with sane defaults.
func New(baseURL, tenantID, secret string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Secret:   secret,
		Timeout:  10 * time.Second,
	}
}

// Scenario mirrors the API scenario model.
type Scenario struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	Vertical  string `json:"vertical"`
	PlanDate  string `json:"plan_date"`
	Status    string `json:"status"`
	InputHash string `json:"input_hash,omitempty"`
}

// Plan mirrors the API plan model.
type Plan struct {
	ID           string `json:"id"`
	ScenarioID   string `json:"scenario_id"`
	Version      int    `json:"version"`
	Status       string `json:"status"`
	ParentPlanID string `json:"parent_plan_id,omitempty"`
	Seed         int64  `json:"seed"`
	FreezeBadge  string `json:"freeze_badge,omitempty"`
	LockedAt     string `json:"locked_at,omitempty"`
	LockedBy     string `json:"locked_by,omitempty"`
	LockReason   string `json:"lock_reason,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Assignment is one stop-to-resource placement.
type Assignment struct {
	PlanID     string `json:"plan_id"`
	StopID     string `json:"stop_id"`
	ResourceID string `json:"resource_id"`
	SiteID     string `json:"site_id"`
	StartAt    string `json:"start_at"`
	EndAt      string `json:"end_at"`
	Load       int    `json:"load"`
}

// SolveAccepted is the response to a solve request.
type SolveAccepted struct {
	PlanID  string `json:"plan_id"`
	JobID   string `json:"job_id"`
	Version int    `json:"version"`
}

// Job is an asynchronous solve job.
type Job struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AuditResult is one check outcome.
type AuditResult struct {
	CheckName      string   `json:"check_name"`
	Status         string   `json:"status"`
	ViolationCount int      `json:"violation_count"`
	Offenders      []string `json:"offenders,omitempty"`
}

// Audit is the full battery outcome.
type Audit struct {
	RunID   string        `json:"run_id"`
	PlanID  string        `json:"plan_id"`
	Status  string        `json:"status"`
	Verdict string        `json:"verdict"`
	Results []AuditResult `json:"results"`
}

// FreezeMark is one pinned assignment. A mark with a ClearedAt is history,
// not an active pin.
type FreezeMark struct {
	PlanID      string  `json:"plan_id"`
	StopID      string  `json:"stop_id"`
	Reason      string  `json:"reason"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	ClearedAt   *string `json:"cleared_at,omitempty"`
	ClearedBy   *string `json:"cleared_by,omitempty"`
	ClearReason *string `json:"clear_reason,omitempty"`
}

// FreezeState is the badge plus the active marks.
type FreezeState struct {
	PlanID string       `json:"plan_id"`
	Badge  string       `json:"badge"`
	Marks  []FreezeMark `json:"marks"`
}

// RepairEvent is a recorded disruption.
type RepairEvent struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	TenantID     string   `json:"tenant_id"`
	SiteID       string   `json:"site_id"`
	EventType    string   `json:"event_type"`
	AffectedIDs  []string `json:"affected_ids"`
	InitiatedBy  string   `json:"initiated_by"`
	InitiatedAt  string   `json:"initiated_at"`
	ResultPlanID *string  `json:"result_plan_id,omitempty"`
	Status       string   `json:"status"`
}

// RepairSummary aggregates a preview diff.
type RepairSummary struct {
	UncoveredBefore      int `json:"uncovered_before"`
	UncoveredAfter       int `json:"uncovered_after"`
	ChurnDriverCount     int `json:"churn_driver_count"`
	ChurnAssignmentCount int `json:"churn_assignment_count"`
}

// RepairViolation is one preview issue.
type RepairViolation struct {
	Kind     string   `json:"kind"`
	Severity string   `json:"severity"`
	Entities []string `json:"entities,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// RepairDiff is the previewed change set.
type RepairDiff struct {
	Removed    []Assignment      `json:"removed"`
	Added      []Assignment      `json:"added"`
	Modified   []Assignment      `json:"modified"`
	Summary    RepairSummary     `json:"summary"`
	Violations []RepairViolation `json:"violations,omitempty"`
	Verdict    string            `json:"verdict"`
}

// RepairPreview is a stored preview session.
type RepairPreview struct {
	ID            string     `json:"id"`
	RepairEventID string     `json:"repair_event_id"`
	PlanID        string     `json:"plan_id"`
	Diff          RepairDiff `json:"diff"`
	Verdict       string     `json:"verdict"`
	CreatedAt     string     `json:"created_at"`
	ExpiresAt     string     `json:"expires_at"`
}

// ApplyResult is the outcome of applying a repair.
type ApplyResult struct {
	BasePlanID   string `json:"base_plan_id"`
	ResultPlanID string `json:"result_plan_id"`
	Version      int    `json:"version"`
	Status       string `json:"status"`
	ReAudit      *Audit `json:"re_audit,omitempty"`
}

// Evidence is a sealed evidence record.
type Evidence struct {
	PlanID       string `json:"plan_id"`
	InputHash    string `json:"input_hash"`
	MatrixHash   string `json:"matrix_hash"`
	OutputHash   string `json:"output_hash"`
	AuditDigest  string `json:"audit_digest"`
	EvidenceHash string `json:"evidence_hash"`
	CreatedAt    string `json:"created_at"`
}

// HashMismatch names one drifted evidence component.
type HashMismatch struct {
	Component string `json:"component"`
	Stored    string `json:"stored"`
	Computed  string `json:"computed"`
}

// VerifyReport is the evidence verification outcome.
type VerifyReport struct {
	PlanID     string         `json:"plan_id"`
	Verdict    string         `json:"verdict"`
	Mismatches []HashMismatch `json:"mismatches,omitempty"`
}

// Event is one event-log entry. Payload is the raw JSON the server stored.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s trace=%s", e.StatusCode, e.Code, e.Message, e.TraceID)
}

// CreateScenarioRequest is the import payload.
type CreateScenarioRequest struct {
	ID        string `json:"id,omitempty"`
	SiteID    string `json:"site_id"`
	Vertical  string `json:"vertical"`
	PlanDate  string `json:"plan_date"`
	Stops     []any  `json:"stops"`
	Resources []any  `json:"resources"`
}

// CreateScenario imports a scenario. The server rejects mutations without
// an idempotency key, so idemKey is required here and on every other
// mutating method.
func (c *Client) CreateScenario(ctx context.Context, req CreateScenarioRequest, idemKey string) (Scenario, error) {
	var resp Scenario
	err := c.do(ctx, http.MethodPost, "/scenarios", nil, req, idemKey, &resp)
	return resp, err
}

// GetScenario fetches a scenario.
func (c *Client) GetScenario(ctx context.Context, id string) (Scenario, error) {
	var resp Scenario
	err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(id), nil, nil, "", &resp)
	return resp, err
}

// ScenarioPlans lists a scenario's plan versions.
func (c *Client) ScenarioPlans(ctx context.Context, scenarioID string) ([]Plan, error) {
	var resp []Plan
	err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(scenarioID)+"/plans", nil, nil, "", &resp)
	return resp, err
}

// Solve queues a solve for the scenario.
func (c *Client) Solve(ctx context.Context, scenarioID string, seed int64, idemKey string) (SolveAccepted, error) {
	var resp SolveAccepted
	body := map[string]any{"seed": seed}
	err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(scenarioID)+"/solve", nil, body, idemKey, &resp)
	return resp, err
}

// Resolve re-runs the solver for a plan whose audit failed or warned.
func (c *Client) Resolve(ctx context.Context, planID string, seed int64, idemKey string) (SolveAccepted, error) {
	var resp SolveAccepted
	body := map[string]any{"seed": seed}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/resolve", nil, body, idemKey, &resp)
	return resp, err
}

// SolveJob fetches job progress.
func (c *Client) SolveJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "/solve-jobs/"+url.PathEscape(jobID), nil, nil, "", &resp)
	return resp, err
}

// CancelSolve cancels a queued or running job.
func (c *Client) CancelSolve(ctx context.Context, jobID, idemKey string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "/solve-jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil, idemKey, &resp)
	return resp, err
}

// GetPlan fetches a plan.
func (c *Client) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID), nil, nil, "", &resp)
	return resp, err
}

// PlanAssignments lists a plan's assignments.
func (c *Client) PlanAssignments(ctx context.Context, planID string) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID)+"/assignments", nil, nil, "", &resp)
	return resp, err
}

// RunAudit executes the audit battery.
func (c *Client) RunAudit(ctx context.Context, planID, idemKey string) (Audit, error) {
	var resp Audit
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/audit", nil, nil, idemKey, &resp)
	return resp, err
}

// Lock locks an audited plan. Override with a reason is required after a
// WARN audit.
func (c *Client) Lock(ctx context.Context, planID string, override bool, reason, idemKey string) (Plan, error) {
	var resp Plan
	body := map[string]any{"override": override, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/lock", nil, body, idemKey, &resp)
	return resp, err
}

// FreezeState returns the plan's freeze badge and marks.
func (c *Client) FreezeState(ctx context.Context, planID string) (FreezeState, error) {
	var resp FreezeState
	err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID)+"/freeze", nil, nil, "", &resp)
	return resp, err
}

// Freeze pins assignments on a locked plan.
func (c *Client) Freeze(ctx context.Context, planID string, stopIDs []string, reason, idemKey string) (FreezeState, error) {
	var resp FreezeState
	body := map[string]any{"stop_ids": stopIDs, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/freeze", nil, body, idemKey, &resp)
	return resp, err
}

// Unfreeze releases marks. The signed envelope must carry the admin flag.
func (c *Client) Unfreeze(ctx context.Context, planID string, stopIDs []string, reason, idemKey string) (FreezeState, error) {
	var resp FreezeState
	body := map[string]any{"stop_ids": stopIDs, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/unfreeze", nil, body, idemKey, &resp)
	return resp, err
}

// Publish snapshots a repairable plan. freezeUntil is optional RFC3339.
func (c *Client) Publish(ctx context.Context, planID, freezeUntil, idemKey string) (map[string]any, error) {
	var resp map[string]any
	body := map[string]any{}
	if freezeUntil != "" {
		body["freeze_until"] = freezeUntil
	}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/publish", nil, body, idemKey, &resp)
	return resp, err
}

// CreateRepairEvent records a disruption.
func (c *Client) CreateRepairEvent(ctx context.Context, planID, eventType string, affectedIDs []string, idemKey string) (RepairEvent, error) {
	var resp RepairEvent
	body := map[string]any{"event_type": eventType, "affected_ids": affectedIDs}
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/repair-events", nil, body, idemKey, &resp)
	return resp, err
}

// PreviewRepair computes the repair diff for an open event.
func (c *Client) PreviewRepair(ctx context.Context, eventID, idemKey string) (RepairPreview, error) {
	var resp RepairPreview
	err := c.do(ctx, http.MethodPost, "/repair-events/"+url.PathEscape(eventID)+"/preview", nil, nil, idemKey, &resp)
	return resp, err
}

// ApplyRepair applies a previewed repair. Override with a reason is needed
// for a BLOCK verdict.
func (c *Client) ApplyRepair(ctx context.Context, previewID string, override bool, reason, idemKey string) (ApplyResult, error) {
	var resp ApplyResult
	body := map[string]any{"override": override, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/repair-previews/"+url.PathEscape(previewID)+"/apply", nil, body, idemKey, &resp)
	return resp, err
}

// Evidence fetches the sealed record.
func (c *Client) Evidence(ctx context.Context, planID string) (Evidence, error) {
	var resp Evidence
	err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID)+"/evidence", nil, nil, "", &resp)
	return resp, err
}

// VerifyEvidence recomputes hashes server side and reports drift.
func (c *Client) VerifyEvidence(ctx context.Context, planID string) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodPost, "/plans/"+url.PathEscape(planID)+"/evidence/verify", nil, nil, "", &resp)
	return resp, err
}

// Events lists recent event-log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, "/events", q, nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, idemKey string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	full := strings.TrimRight(c.BaseURL, "/") + endpoint
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.Secret != "" {
		if err := c.sign(req, query, payload); err != nil {
			return err
		}
	} else if c.OperatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.OperatorToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(b, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(b)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// sign stamps the envelope headers. The path in the canonical string is the
// server-side request path, so BaseURL must include the API base path.
func (c *Client) sign(req *http.Request, query url.Values, payload []byte) error {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ts := strconv.FormatInt(now().Unix(), 10)
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	canonical := canonicalString(req.Method, req.URL.Path, query, ts, nonce, c.TenantID, c.SiteID, c.Admin, payload)
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(canonical))
	req.Header.Set("X-Planlock-Signature", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-Planlock-Timestamp", ts)
	req.Header.Set("X-Planlock-Nonce", nonce)
	req.Header.Set("X-Planlock-Tenant", c.TenantID)
	if c.SiteID != "" {
		req.Header.Set("X-Planlock-Site", c.SiteID)
	}
	if c.Admin {
		req.Header.Set("X-Planlock-Admin", "true")
	}
	if c.ActorID != "" {
		req.Header.Set("X-Planlock-Actor", c.ActorID)
	}
	return nil
}

// canonicalString must stay byte-for-byte identical to the server's
// reconstruction or every request is rejected.
func canonicalString(method, rawPath string, query url.Values, ts, nonce, tenant, site string, admin bool, body []byte) string {
	target := rawPath
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vals := append([]string{}, query[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		target += "?" + strings.Join(parts, "&")
	}
	bodySum := sha256.Sum256(body)
	adminFlag := "false"
	if admin {
		adminFlag = "true"
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		target,
		ts,
		nonce,
		tenant,
		site,
		adminFlag,
		hex.EncodeToString(bodySum[:]),
	}, "\n")
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
