package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/dispatch"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/loop"
	"steward/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Status reports scheduler health when a loop runs in this process.
	// Nil when serving without a scheduler; the endpoint then reports
	// queue depth only.
	Status func(ctx context.Context) (loop.Status, error)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"action not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerActions(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerPolicy(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotCouncilMember):
		return newAPIError(http.StatusForbidden, "not_council_member", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, repo.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, dispatch.ErrUnknownType):
		return newAPIError(http.StatusBadRequest, "unknown_type", err.Error(), nil)
	case errors.Is(err, dispatch.ErrInvalidPayload):
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Scheduler status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body loop.Status `json:"body"`
	}, error) {
		var st loop.Status
		var err error
		if cfg.Status != nil {
			st, err = cfg.Status(ctx)
		} else {
			st.Queue, err = cfg.Engine.StatusCounts(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body loop.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Enqueue action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload := input.Body.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		action, err := e.Enqueue(ctx, engine.EnqueueRequest{
			Type:        input.Body.Type,
			Payload:     payload,
			RequestedBy: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(action)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Type   string `query:"type"`
		Tier   string `query:"tier"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		actions, err := e.List(ctx, repo.ActionFilters{
			Status: input.Status,
			Type:   input.Type,
			Tier:   input.Tier,
			Limit:  limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: actionResponses(actions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get action with approvals and dispatch history",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionDetailResponse `json:"body"`
	}, error) {
		detail, err := e.Get(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionDetailResponse `json:"body"`
		}{Body: actionDetailResponse(detail)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List actions awaiting approval",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PendingActionResponse `json:"body"`
	}, error) {
		pending, err := e.List(ctx, repo.ActionFilters{Status: domain.StatusPendingApproval})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PendingActionResponse, 0, len(pending))
		for _, action := range pending {
			approvals, err := e.Repo.ListApprovals(ctx, action.ID)
			if err != nil {
				return nil, handleError(err)
			}
			item := PendingActionResponse{
				ActionResponse: actionResponse(action),
				Required:       e.Gate.RequiredApprovals(action.Tier),
				Approvals:      []string{},
			}
			for _, ap := range approvals {
				item.Approvals = append(item.Approvals, ap.ApproverID)
			}
			out = append(out, item)
		}
		return &struct {
			Body []PendingActionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/approve",
		Summary:     "Approve a pending action",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ApprovalOutcomeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, progress, err := e.Approve(ctx, input.ActionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		approvals := progress.Approvals
		if approvals == nil {
			approvals = []string{}
		}
		return &struct {
			Body ApprovalOutcomeResponse `json:"body"`
		}{Body: ApprovalOutcomeResponse{
			Action:    actionResponse(action),
			Approvals: approvals,
			Required:  progress.Required,
			Queued:    progress.Queued,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/reject",
		Summary:     "Reject a pending action",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
		Body     RejectActionRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, err := e.Reject(ctx, input.ActionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(action)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Tail the audit trail",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit   int   `query:"limit"`
		AfterID int64 `query:"after_id"`
	}) (*struct {
		Body []AuditRecordResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var records []domain.AuditRecord
		var err error
		if input.AfterID > 0 {
			records, err = e.Repo.AuditRecordsSince(ctx, input.AfterID, limit)
		} else {
			records, err = e.Repo.TailAuditRecords(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditRecordResponse `json:"body"`
		}{Body: auditRecordResponses(records)}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Current governance policy",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		cfg := e.Config
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"agent_id":    cfg.Agent.ID,
			"tiers":       cfg.Governance.Tiers,
			"escalations": cfg.Governance.Escalations,
			"council":     cfg.Governance.Council,
			"retry": map[string]any{
				"max_retries": cfg.Retry.MaxRetries,
				"delays":      cfg.Retry.Delays,
			},
			"rate_limits": cfg.RateLimits,
		}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Steward API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
