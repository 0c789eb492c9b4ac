package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sitesync/internal/domain"
)

// Config for the ingest API handler.
type Config struct {
	DB   *sql.DB
	Auth AuthConfig
	Log  *slog.Logger
	Now  func() time.Time
}

// apiError renders the {"error": string} envelope on non-2xx responses.
type apiError struct {
	status  int
	Message string `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, msg string) huma.StatusError {
	return &apiError{status: status, Message: msg}
}

// New returns an HTTP handler exposing the ingest API.
func New(cfg Config) (http.Handler, error) {
	if cfg.DB == nil {
		return nil, errors.New("server config requires a database")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	st := store{DB: cfg.DB}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Sitesync Ingest API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, "/v1")

	registerHealth(group)
	registerAssessments(group, st, cfg)

	return router, nil
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health probe",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type assessmentBody struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	Data       domain.Assessment `json:"data"`
	HasPhoto   bool              `json:"has_photo"`
	ReceivedAt string            `json:"received_at" format:"date-time"`
}

type assessmentOutput struct {
	Body assessmentBody
}

func toBody(a assessmentRow) assessmentBody {
	return assessmentBody{
		ID:         a.ID,
		DeviceID:   a.DeviceID,
		Data:       a.Data,
		HasPhoto:   a.HasPhoto,
		ReceivedAt: a.ReceivedAt,
	}
}

type uploadInput struct {
	IdempotencyKey string `header:"Idempotency-Key" doc:"Client-generated record id; replays update in place"`
	RawBody        multipart.Form
}

type listOutput struct {
	Body struct {
		Items []assessmentBody `json:"items"`
	}
}

func registerAssessments(api huma.API, st store, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "create-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments",
		Summary:     "Upload an assessment with optional photo",
	}, func(ctx context.Context, input *uploadInput) (*assessmentOutput, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "authentication required")
		}
		if input.IdempotencyKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "Idempotency-Key header is required")
		}
		payloads := input.RawBody.Value["payload"]
		if len(payloads) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "payload part is required")
		}
		var data domain.Assessment
		if err := json.Unmarshal([]byte(payloads[0]), &data); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "payload is not valid JSON")
		}
		if err := data.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, err.Error())
		}
		var photo []byte
		if files := input.RawBody.File["photo"]; len(files) > 0 {
			f, err := files[0].Open()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "photo part unreadable")
			}
			photo, err = io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "photo part unreadable")
			}
		}
		if err := st.upsert(ctx, input.IdempotencyKey, principal.DeviceID, data, photo, cfg.Now()); err != nil {
			cfg.Log.Error("store assessment", "id", input.IdempotencyKey, "error", err)
			return nil, newAPIError(http.StatusInternalServerError, "could not store assessment")
		}
		a, err := st.get(ctx, input.IdempotencyKey)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "could not load assessment")
		}
		cfg.Log.Info("assessment received", "id", a.ID, "device", a.DeviceID, "photo", a.HasPhoto)
		return &assessmentOutput{Body: toBody(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}",
		Summary:     "Fetch one assessment",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*assessmentOutput, error) {
		a, err := st.get(ctx, input.ID)
		if errors.Is(err, errNotFound) {
			return nil, newAPIError(http.StatusNotFound, "assessment not found")
		}
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "could not load assessment")
		}
		return &assessmentOutput{Body: toBody(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/assessments",
		Summary:     "List assessments",
	}, func(ctx context.Context, input *struct {
		Building string `query:"building"`
	}) (*listOutput, error) {
		items, err := st.list(ctx, input.Building)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "could not list assessments")
		}
		out := &listOutput{}
		out.Body.Items = make([]assessmentBody, 0, len(items))
		for _, a := range items {
			out.Body.Items = append(out.Body.Items, toBody(a))
		}
		return out, nil
	})
}
