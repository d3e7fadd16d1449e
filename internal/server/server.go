package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"BLOCKED_BY_POLICY"`
	Message string         `json:"message" example:"plan has audit warnings; locking requires an override"`
	TraceID string         `json:"trace_id,omitempty"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}
type traceIDKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planlock API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			traceID := uuid.New().String()
			w.Header().Set("X-Trace-Id", traceID)
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			ctx = context.WithValue(ctx, traceIDKey{}, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Engine.Now))

	hcfg := huma.DefaultConfig("Planlock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerScenarios(group, cfg.Engine)
	registerSolve(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerFreeze(group, cfg.Engine)
	registerRepairs(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// handleError maps engine errors onto the HTTP envelope. Codes survive the
// mapping verbatim so clients can branch on them without parsing messages.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	status := http.StatusInternalServerError
	code := domain.CodeOf(err)
	switch code {
	case domain.CodeValidation:
		status = http.StatusBadRequest
	case domain.CodeConflict, domain.CodeResourceBusy:
		status = http.StatusConflict
	case domain.CodeBlockedByPolicy:
		status = http.StatusUnprocessableEntity
	case domain.CodeExpired:
		status = http.StatusGone
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeUnauthorized:
		status = http.StatusUnauthorized
	case domain.CodeForbidden:
		status = http.StatusForbidden
	}
	if errors.Is(err, repo.ErrNotFound) {
		status = http.StatusNotFound
		code = domain.CodeNotFound
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	var details map[string]any
	var de *domain.Error
	if errors.As(err, &de) && de.Details != nil {
		details = de.Details
	}
	out := &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    string(code),
			Message: msg,
			TraceID: traceID(ctx),
			Details: details,
		},
	}
	return out
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(domain.CodeValidation)
	case http.StatusNotFound:
		return string(domain.CodeNotFound)
	case http.StatusConflict:
		return string(domain.CodeConflict)
	case http.StatusUnprocessableEntity:
		return string(domain.CodeBlockedByPolicy)
	case http.StatusGone:
		return string(domain.CodeExpired)
	case http.StatusUnauthorized:
		return string(domain.CodeUnauthorized)
	case http.StatusForbidden:
		return string(domain.CodeForbidden)
	case http.StatusInternalServerError:
		return string(domain.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireWriter rejects read-only principals on mutating routes.
func requireWriter(ctx context.Context) (Principal, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return p, authErr
	}
	if p.ReadOnly {
		return p, newAPIError(http.StatusForbidden, string(domain.CodeForbidden), "operator tokens are read-only; use a signed request", nil)
	}
	return p, nil
}

// idempotent wraps a mutating handler body in the idempotency layer and
// decodes the (possibly replayed) cached result into out. Mutating requests
// must carry a key: a retry without one would execute twice.
func idempotent[T any](ctx context.Context, e engine.Engine, tenantID, key string, payload any, out *T, fn func(ctx context.Context) (any, error)) error {
	if strings.TrimSpace(key) == "" {
		return domain.E(domain.CodeValidation, "Idempotency-Key header is required on mutating requests")
	}
	raw, _, err := e.RunIdempotent(ctx, tenantID, key, payload, fn)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Tenant status",
	}, func(ctx context.Context, input *struct {
		SiteID string `query:"site_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scenarios, err := e.Repo.ListScenarios(ctx, p.TenantID, input.SiteID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		open, frozen := 0, 0
		for _, sc := range scenarios {
			if sc.Status == domain.ScenarioFrozen {
				frozen++
			} else {
				open++
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"tenant_id":        p.TenantID,
			"scenarios_open":   open,
			"scenarios_frozen": frozen,
		}}, nil
	})
}

func registerScenarios(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scenario",
		Method:        http.MethodPost,
		Path:          "/scenarios",
		Summary:       "Import a scenario",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string                `header:"Idempotency-Key"`
		Body           CreateScenarioRequest `json:"body"`
	}) (*struct {
		Body ScenarioResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp ScenarioResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, input.Body, &resp, func(ctx context.Context) (any, error) {
			sc, err := e.CreateScenario(ctx, engine.ScenarioCreateOptions{
				ID:        input.Body.ID,
				TenantID:  p.TenantID,
				SiteID:    input.Body.SiteID,
				Vertical:  input.Body.Vertical,
				PlanDate:  input.Body.PlanDate,
				Stops:     stopsFromInput(input.Body.ID, input.Body.Stops),
				Resources: resourcesFromInput(input.Body.ID, input.Body.Resources),
				ActorID:   p.ActorID,
			})
			if err != nil {
				return nil, err
			}
			return scenarioResponse(sc, len(input.Body.Stops), len(input.Body.Resources)), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ScenarioResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scenario",
		Method:      http.MethodGet,
		Path:        "/scenarios/{scenario_id}",
		Summary:     "Get scenario",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScenarioID string `path:"scenario_id"`
	}) (*struct {
		Body ScenarioResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sc, err := e.GetScenario(ctx, p.TenantID, input.ScenarioID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		stops, err := e.Repo.ListStops(ctx, sc.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resources, err := e.Repo.ListResources(ctx, sc.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ScenarioResponse `json:"body"`
		}{Body: scenarioResponse(sc, len(stops), len(resources))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scenario-plans",
		Method:      http.MethodGet,
		Path:        "/scenarios/{scenario_id}/plans",
		Summary:     "List plan versions of a scenario",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScenarioID string `path:"scenario_id"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetScenario(ctx, p.TenantID, input.ScenarioID); err != nil {
			return nil, handleError(ctx, err)
		}
		plans, err := e.Repo.ListPlans(ctx, input.ScenarioID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]PlanResponse, 0, len(plans))
		for _, plan := range plans {
			badge, err := e.FreezeBadge(ctx, plan.ID)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			out = append(out, planResponse(plan, badge))
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSolve(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-solve",
		Method:        http.MethodPost,
		Path:          "/scenarios/{scenario_id}/solve",
		Summary:       "Create the next plan version and start an async solve",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ScenarioID     string       `path:"scenario_id"`
		IdempotencyKey string       `header:"Idempotency-Key"`
		Body           SolveRequest `json:"body"`
	}) (*struct {
		Body SolveAcceptedResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp SolveAcceptedResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "solve", "scenario_id": input.ScenarioID, "seed": input.Body.Seed,
		}, &resp, func(ctx context.Context) (any, error) {
			sc, err := e.GetScenario(ctx, p.TenantID, input.ScenarioID)
			if err != nil {
				return nil, err
			}
			started, err := e.StartSolve(ctx, engine.SolveOptions{
				TenantID:   p.TenantID,
				SiteID:     sc.SiteID,
				ScenarioID: input.ScenarioID,
				Seed:       input.Body.Seed,
				ActorID:    p.ActorID,
			})
			if err != nil {
				return nil, err
			}
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer cancel()
				_ = e.RunSolveJob(bg, started.JobID)
			}()
			return SolveAcceptedResponse(started), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SolveAcceptedResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resolve-plan",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/resolve",
		Summary:       "Re-run the solver after a failed or warned audit",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID         string       `path:"plan_id"`
		IdempotencyKey string       `header:"Idempotency-Key"`
		Body           SolveRequest `json:"body"`
	}) (*struct {
		Body SolveAcceptedResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp SolveAcceptedResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "resolve", "plan_id": input.PlanID, "seed": input.Body.Seed,
		}, &resp, func(ctx context.Context) (any, error) {
			started, err := e.Resolve(ctx, p.TenantID, input.PlanID, input.Body.Seed, p.ActorID)
			if err != nil {
				return nil, err
			}
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer cancel()
				_ = e.RunSolveJob(bg, started.JobID)
			}()
			return SolveAcceptedResponse(started), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SolveAcceptedResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-solve-job",
		Method:      http.MethodGet,
		Path:        "/solve-jobs/{job_id}",
		Summary:     "Get solve job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.Repo.GetSolveJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if _, err := e.GetPlanScoped(ctx, p.TenantID, job.PlanID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-solve-job",
		Method:      http.MethodPost,
		Path:        "/solve-jobs/{job_id}/cancel",
		Summary:     "Cancel a queued or running solve",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID          string `path:"job_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp JobResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "cancel", "job_id": input.JobID,
		}, &resp, func(ctx context.Context) (any, error) {
			job, err := e.CancelSolve(ctx, p.TenantID, input.JobID, p.ActorID)
			if err != nil {
				return nil, err
			}
			return jobResponse(job), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.GetPlanScoped(ctx, p.TenantID, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		badge, err := e.FreezeBadge(ctx, plan.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan, badge)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-assignments",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/assignments",
		Summary:     "List plan assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetPlanScoped(ctx, p.TenantID, input.PlanID); err != nil {
			return nil, handleError(ctx, err)
		}
		assignments, err := e.Repo.ListAssignments(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: assignments}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-plan",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/publish",
		Summary:       "Publish an immutable snapshot of a locked plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID         string         `path:"plan_id"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Body           PublishRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp domain.Snapshot
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "publish", "plan_id": input.PlanID, "freeze_until": input.Body.FreezeUntil,
		}, &resp, func(ctx context.Context) (any, error) {
			return e.Publish(ctx, p.TenantID, input.PlanID, p.ActorID, input.Body.FreezeUntil)
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-audit",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/audit",
		Summary:     "Run the audit battery against a solved plan",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID         string `path:"plan_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp AuditResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "audit", "plan_id": input.PlanID,
		}, &resp, func(ctx context.Context) (any, error) {
			out, err := e.RunAudit(ctx, p.TenantID, input.PlanID, p.ActorID)
			if err != nil {
				return nil, err
			}
			return auditResponse(out), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/lock",
		Summary:     "Lock an audited plan and seal its evidence",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PlanID         string      `path:"plan_id"`
		IdempotencyKey string      `header:"Idempotency-Key"`
		Body           LockRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp PlanResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "lock", "plan_id": input.PlanID, "override": input.Body.Override, "reason": input.Body.Reason,
		}, &resp, func(ctx context.Context) (any, error) {
			plan, err := e.Lock(ctx, engine.LockOptions{
				TenantID: p.TenantID,
				PlanID:   input.PlanID,
				ActorID:  p.ActorID,
				Override: input.Body.Override,
				Reason:   input.Body.Reason,
			})
			if err != nil {
				return nil, err
			}
			badge, err := e.FreezeBadge(ctx, plan.ID)
			if err != nil {
				return nil, err
			}
			return planResponse(plan, badge), nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFreeze(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-freeze-state",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/freeze",
		Summary:     "Freeze marks and derived badge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body FreezeStateResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetPlanScoped(ctx, p.TenantID, input.PlanID); err != nil {
			return nil, handleError(ctx, err)
		}
		marks, err := e.Repo.ListFreezeMarks(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		badge, err := e.FreezeBadge(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body FreezeStateResponse `json:"body"`
		}{Body: FreezeStateResponse{PlanID: input.PlanID, Badge: badge, Marks: marks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "freeze-assignments",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/freeze",
		Summary:     "Pin assignments of a locked plan",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID         string        `path:"plan_id"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           FreezeRequest `json:"body"`
	}) (*struct {
		Body FreezeStateResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp FreezeStateResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "freeze", "plan_id": input.PlanID, "stop_ids": input.Body.StopIDs, "reason": input.Body.Reason,
		}, &resp, func(ctx context.Context) (any, error) {
			if err := e.FreezeAssignments(ctx, engine.FreezeOptions{
				TenantID: p.TenantID,
				PlanID:   input.PlanID,
				StopIDs:  input.Body.StopIDs,
				ActorID:  p.ActorID,
				Reason:   input.Body.Reason,
			}); err != nil {
				return nil, err
			}
			return freezeState(ctx, e, input.PlanID)
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body FreezeStateResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unfreeze-assignments",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/unfreeze",
		Summary:     "Release freeze marks (admin only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PlanID         string        `path:"plan_id"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           FreezeRequest `json:"body"`
	}) (*struct {
		Body FreezeStateResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp FreezeStateResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "unfreeze", "plan_id": input.PlanID, "stop_ids": input.Body.StopIDs, "reason": input.Body.Reason,
		}, &resp, func(ctx context.Context) (any, error) {
			if err := e.UnfreezeAssignments(ctx, engine.FreezeOptions{
				TenantID: p.TenantID,
				PlanID:   input.PlanID,
				StopIDs:  input.Body.StopIDs,
				ActorID:  p.ActorID,
				Admin:    p.Admin,
				Reason:   input.Body.Reason,
			}); err != nil {
				return nil, err
			}
			return freezeState(ctx, e, input.PlanID)
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body FreezeStateResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func freezeState(ctx context.Context, e engine.Engine, planID string) (FreezeStateResponse, error) {
	marks, err := e.Repo.ListFreezeMarks(ctx, planID)
	if err != nil {
		return FreezeStateResponse{}, err
	}
	badge, err := e.FreezeBadge(ctx, planID)
	if err != nil {
		return FreezeStateResponse{}, err
	}
	return FreezeStateResponse{PlanID: planID, Badge: badge, Marks: marks}, nil
}

func registerRepairs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-repair-event",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/repair-events",
		Summary:       "Record a disruption against a locked plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID         string             `path:"plan_id"`
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           RepairEventRequest `json:"body"`
	}) (*struct {
		Body domain.RepairEvent `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp domain.RepairEvent
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "repair-event", "plan_id": input.PlanID, "event_type": input.Body.EventType, "affected": input.Body.AffectedIDs,
		}, &resp, func(ctx context.Context) (any, error) {
			return e.CreateRepairEvent(ctx, engine.RepairEventOptions{
				TenantID:    p.TenantID,
				SiteID:      p.SiteID,
				PlanID:      input.PlanID,
				EventType:   domain.RepairEventType(input.Body.EventType),
				AffectedIDs: input.Body.AffectedIDs,
				ActorID:     p.ActorID,
			})
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.RepairEvent `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "preview-repair",
		Method:        http.MethodPost,
		Path:          "/repair-events/{event_id}/preview",
		Summary:       "Compute a repair diff without changing the plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID        string `path:"event_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body domain.RepairPreview `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp domain.RepairPreview
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "preview", "event_id": input.EventID,
		}, &resp, func(ctx context.Context) (any, error) {
			return e.PreviewRepair(ctx, p.TenantID, input.EventID, p.ActorID)
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.RepairPreview `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-repair",
		Method:      http.MethodPost,
		Path:        "/repair-previews/{preview_id}/apply",
		Summary:     "Apply a previewed repair as a new plan version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PreviewID      string             `path:"preview_id"`
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           ApplyRepairRequest `json:"body"`
	}) (*struct {
		Body ApplyRepairResponse `json:"body"`
	}, error) {
		p, authErr := requireWriter(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var resp ApplyRepairResponse
		err := idempotent(ctx, e, p.TenantID, input.IdempotencyKey, map[string]any{
			"op": "apply", "preview_id": input.PreviewID, "override": input.Body.Override, "reason": input.Body.Reason,
		}, &resp, func(ctx context.Context) (any, error) {
			out, err := e.ApplyRepair(ctx, engine.ApplyRepairOptions{
				TenantID:  p.TenantID,
				PreviewID: input.PreviewID,
				ActorID:   p.ActorID,
				Override:  input.Body.Override,
				Reason:    input.Body.Reason,
			})
			if err != nil {
				return nil, err
			}
			return ApplyRepairResponse{
				BasePlanID:   out.BasePlanID,
				ResultPlanID: out.ResultPlanID,
				Version:      out.Version,
				Status:       out.Status,
				ReAudit:      auditResponse(out.ReAudit),
			}, nil
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ApplyRepairResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-evidence",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/evidence",
		Summary:     "Sealed evidence record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body domain.EvidenceRecord `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetPlanScoped(ctx, p.TenantID, input.PlanID); err != nil {
			return nil, handleError(ctx, err)
		}
		rec, err := e.Repo.GetEvidence(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.EvidenceRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-evidence",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/evidence/verify",
		Summary:     "Recompute and compare evidence hashes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body engine.VerifyReport `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.VerifyEvidence(ctx, p.TenantID, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.VerifyReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-evidence",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/evidence/export",
		Summary:     "Self-contained evidence bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body EvidenceExportResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bundle, key, err := e.ExportEvidence(ctx, p.TenantID, input.PlanID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var decoded any
		if err := json.Unmarshal(bundle, &decoded); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EvidenceExportResponse `json:"body"`
		}{Body: EvidenceExportResponse{PlanID: input.PlanID, Bundle: decoded, ArchiveKey: key}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Append-only change log",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" maximum:"1000"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, p.TenantID, input.Limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Planlock API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Mutating calls require the X-Planlock-Signature envelope; reads also
      accept Authorization: Bearer &lt;operator token&gt;.
    </p>
  </body>
</html>`, specURL)
}
