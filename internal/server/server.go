package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commitline/internal/domain"
	"commitline/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// ErrorEnvelope is the body of every failed response.
type ErrorEnvelope struct {
	OK     bool   `json:"ok"`
	Code   string `json:"error" example:"not_found"`
	Detail string `json:"detail,omitempty" example:"commitment C1"`
}

type apiError struct {
	status int
	ErrorEnvelope
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// New returns an HTTP handler exposing the orchestration API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", validationDetail(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad input here.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", validationDetail(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Commitline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerOrchestrations(group, cfg.Engine, logger)
	registerCommitmentViews(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, detail string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:        status,
		ErrorEnvelope: ErrorEnvelope{OK: false, Code: code, Detail: detail},
	}
}

func validationDetail(msg string, errs []error) string {
	parts := []string{msg}
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}

// handleError maps engine failures onto the response envelope. Store and
// internal failures keep their cause out of the body.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := engine.CodeOf(err)
	var ee *engine.Error
	detail := ""
	if errors.As(err, &ee) {
		detail = ee.Detail
		if code == engine.CodeInvalidInput && ee.Err != nil {
			detail += ": " + ee.Err.Error()
		}
	}
	switch code {
	case engine.CodeInvalidInput:
		return newAPIError(http.StatusBadRequest, string(code), detail)
	case engine.CodeNotFound:
		return newAPIError(http.StatusNotFound, string(code), detail)
	default:
		return newAPIError(http.StatusInternalServerError, string(code), detail)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(engine.CodeInvalidInput)
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return string(engine.CodeNotFound)
	case http.StatusInternalServerError:
		return string(engine.CodeInternal)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(ErrorEnvelope{}), true, "ErrorEnvelope")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: ref},
				},
			}
		}
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusInternalServerError, string(engine.CodeStoreRead), "store unavailable")
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"ok": true, "status": "ok"}}, nil
	})
}

func registerOrchestrations(api huma.API, e engine.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "orchestrate",
		Method:        http.MethodPost,
		Path:          "/orchestrations",
		Summary:       "Generate deliverables for an active commitment",
		Description:   "Runs at most once per commitment. Repeated calls answer with skipped=true.",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OrchestrateRequest `json:"body"`
	}) (*struct {
		Body OrchestrateResponse `json:"body"`
	}, error) {
		p := principalFromContext(ctx)
		res, err := e.Orchestrate(ctx, engine.OrchestrateOptions{
			CommitmentID: input.Body.CommitmentID,
			TenantID:     p.TenantID,
			ActorID:      p.ActorID,
		})
		if err != nil {
			logger.Debug("orchestrate request failed", "commitment_id", input.Body.CommitmentID, "code", string(engine.CodeOf(err)))
			return nil, handleError(err)
		}
		return &struct {
			Body OrchestrateResponse `json:"body"`
		}{Body: orchestrateResponse(res)}, nil
	})
}

type commitmentPath struct {
	CommitmentID string `path:"commitment_id"`
}

func registerCommitmentViews(api huma.API, e engine.Engine) {
	viewErrors := []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/commitments/{commitment_id}/deliverables",
		Summary:     "List deliverables of a commitment",
		Errors:      viewErrors,
	}, func(ctx context.Context, input *commitmentPath) (*struct {
		Body DeliverableList `json:"body"`
	}, error) {
		items, err := e.Deliverables(ctx, input.CommitmentID, principalFromContext(ctx).TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverableList `json:"body"`
		}{Body: DeliverableList{CommitmentID: input.CommitmentID, Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/commitments/{commitment_id}/dependencies",
		Summary:     "List dependency edges between a commitment's deliverables",
		Errors:      viewErrors,
	}, func(ctx context.Context, input *commitmentPath) (*struct {
		Body DependencyList `json:"body"`
	}, error) {
		items, err := e.Dependencies(ctx, input.CommitmentID, principalFromContext(ctx).TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DependencyList `json:"body"`
		}{Body: DependencyList{CommitmentID: input.CommitmentID, Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commitment-events",
		Method:      http.MethodGet,
		Path:        "/commitments/{commitment_id}/events",
		Summary:     "Audit timeline of a commitment",
		Errors:      viewErrors,
	}, func(ctx context.Context, input *struct {
		CommitmentID string `path:"commitment_id"`
		Limit        int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := e.Timeline(ctx, input.CommitmentID, principalFromContext(ctx).TenantID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{CommitmentID: input.CommitmentID, Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commitment-run",
		Method:      http.MethodGet,
		Path:        "/commitments/{commitment_id}/run",
		Summary:     "Orchestration run marker of a commitment",
		Errors:      viewErrors,
	}, func(ctx context.Context, input *commitmentPath) (*struct {
		Body domain.OrchestrationRun `json:"body"`
	}, error) {
		run, err := e.Run(ctx, input.CommitmentID, principalFromContext(ctx).TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestrationRun `json:"body"`
		}{Body: run}, nil
	})
}
