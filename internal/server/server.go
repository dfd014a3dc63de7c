package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hades/internal/broker"
	"hades/internal/domain"
	"hades/internal/intake"
	"hades/internal/mission"
	"hades/internal/relay"
	"hades/internal/repo"
)

// Submitter accepts mission payloads.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) (mission.Entry, error)
}

// Prober reports the state of a consumer loop.
type Prober interface {
	State() broker.State
}

// Config for the HTTP API handler.
type Config struct {
	Intake         Submitter
	Missions       *mission.Registry
	Journal        repo.Repo
	Hub            *relay.Hub
	Broker         interface{ Connected() bool }
	Relay          Prober
	Driver         Prober
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"name: required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the HADES intake API and the relay
// WebSocket endpoints.
func New(cfg Config) (http.Handler, error) {
	if cfg.Intake == nil || cfg.Missions == nil {
		return nil, errors.New("server: intake and mission registry are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

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
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(logger))

	if cfg.Hub != nil {
		router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			cfg.Hub.ServeWS(w, r, "")
		})
		router.Get("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
			cfg.Hub.ServeWS(w, r, chi.URLParam(r, "id"))
		})
	}

	apiRouter := chi.Router(router)
	if cfg.RequestTimeout > 0 {
		apiRouter = router.With(middleware.Timeout(cfg.RequestTimeout))
	}
	hcfg := huma.DefaultConfig("HADES API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	// Bodies keep their documented shape, without a $schema link.
	hcfg.CreateHooks = nil
	api := humachi.New(apiRouter, hcfg)

	registerDocs(router)
	registerHealth(api, cfg)
	registerMissions(api, cfg)
	registerEvents(api, cfg)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
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
	var verr *mission.ValidationError
	if errors.As(err, &verr) {
		var details map[string]any
		if verr.Field != "" {
			details = map[string]any{"field": verr.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	if errors.Is(err, intake.ErrBrokerUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "broker_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "broker_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML)
	})
}

const swaggerHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>HADES API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '/openapi.json',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`

func probeState(p Prober) string {
	if p == nil {
		return "disabled"
	}
	return p.State().String()
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		res := HealthResponse{
			Status: "ok",
			Broker: "disconnected",
			Relay:  probeState(cfg.Relay),
			Driver: probeState(cfg.Driver),
		}
		if cfg.Broker != nil && cfg.Broker.Connected() {
			res.Broker = "connected"
		}
		if cfg.Hub != nil {
			res.Sessions = cfg.Hub.Len()
		}
		if cfg.Relay != nil && cfg.Relay.State() != broker.StateConsuming {
			res.Status = "degraded"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerMissions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-mission",
		Method:        http.MethodPost,
		Path:          "/",
		Summary:       "Submit a mission",
		Description:   "Validates the mission, assigns it an id and publishes it to the request exchange keyed by that id.",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		entry, err := cfg.Intake.Submit(ctx, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{ID: entry.ID.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "List accepted missions",
		Description: "Returns every mission accepted by this instance keyed by id.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		out := map[string]any{}
		for id, payload := range cfg.Missions.List() {
			out[id] = payload
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid mission id", map[string]any{"id": input.ID})
		}
		entry, ok := cfg.Missions.Get(id)
		if !ok {
			return nil, handleError(fmt.Errorf("mission %s: %w", id, repo.ErrNotFound))
		}
		summary, err := summarize(ctx, cfg, entry)
		if err != nil {
			return nil, handleError(err)
		}
		res := MissionResponse{
			MissionSummary: summary,
			Payload:        json.RawMessage(entry.Payload),
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-summaries",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List mission summaries",
		Description: "Returns a summary of every accepted mission, oldest first, with its latest journal status.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MissionSummary `json:"body"`
	}, error) {
		entries := cfg.Missions.Entries()
		out := make([]domain.MissionSummary, 0, len(entries))
		for _, entry := range entries {
			summary, err := summarize(ctx, cfg, entry)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, summary)
		}
		return &struct {
			Body []domain.MissionSummary `json:"body"`
		}{Body: out}, nil
	})
}

// summarize builds the summary of entry and fills its status from the
// journal when one is configured.
func summarize(ctx context.Context, cfg Config, entry mission.Entry) (domain.MissionSummary, error) {
	summary := missionSummary(entry, len(cfg.Missions.Lookup(entry.ID)))
	if cfg.Journal.DB == nil {
		return summary, nil
	}
	last, err := cfg.Journal.LastEvent(ctx, entry.ID.String())
	if errors.Is(err, repo.ErrNotFound) {
		return summary, nil
	}
	if err != nil {
		return summary, err
	}
	summary.Status = last.Type
	summary.LastEventID = last.ID
	return summary, nil
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mission-events",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/events",
		Summary:     "List journal events of a mission",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"Return events older than this id, newest first"`
		After  string `query:"after" doc:"Return events newer than this id, oldest first; 0 starts at the beginning"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := uuid.Parse(input.ID); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid mission id", map[string]any{"id": input.ID})
		}
		if cfg.Journal.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "journal disabled", nil)
		}
		if input.Cursor != "" && input.After != "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cursor and after are mutually exclusive", nil)
		}
		limit := normalizeLimit(input.Limit)
		if input.After != "" {
			after, err := parseEventID("after", input.After)
			if err != nil {
				return nil, err
			}
			items, err := cfg.Journal.EventsAfter(ctx, limit, after, input.ID, input.Type)
			if err != nil {
				return nil, handleError(err)
			}
			// Followers resume from next_cursor, so it is always set.
			resp := paginatedEvents{Items: []EventResponse{}, NextCursor: strconv.FormatInt(after, 10)}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
				resp.NextCursor = strconv.FormatInt(evt.ID, 10)
			}
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := parseEventID("cursor", input.Cursor)
			if err != nil {
				return nil, err
			}
			cursorID = parsed
		}
		items, err := cfg.Journal.LatestEventsFrom(ctx, limit+1, cursorID, input.ID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func parseEventID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return id, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
