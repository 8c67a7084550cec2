// Package httpapi exposes the application services over HTTP. Routing stays
// on the standard mux with prefix dispatch, matching one handler per
// top-level resource.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/unitool-ai/unitool/internal/app"
	appdomain "github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/metrics"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/internal/app/services/credentials"
	"github.com/unitool-ai/unitool/internal/app/services/linkedaccounts"
	oauth2svc "github.com/unitool-ai/unitool/internal/app/services/oauth2"
	"github.com/unitool-ai/unitool/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a mux exposing the core REST API with an in-memory
// audit trail.
func NewHandler(application *app.Application) http.Handler {
	h, _ := NewHandlerWithAudit(application, "")
	return h
}

// NewHandlerWithAudit additionally persists audit entries to the given JSONL
// file. An empty path keeps the trail in memory only.
func NewHandlerWithAudit(application *app.Application, auditFile string) (http.Handler, error) {
	sink, err := newFileAuditSink(auditFile)
	if err != nil {
		return nil, err
	}
	h := &handler{app: application, audit: newAuditLog(200, sink)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps", h.apps)
	mux.HandleFunc("/v1/apps/", h.appResources)
	mux.HandleFunc("/v1/functions", h.functions)
	mux.HandleFunc("/v1/functions/", h.functionResources)
	mux.HandleFunc("/v1/linked-accounts", h.linkedAccounts)
	mux.HandleFunc("/v1/linked-accounts/", h.linkedAccountResources)
	mux.HandleFunc("/v1/audit", h.auditEntries)
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux), nil
}

func (h *handler) recordAudit(action, subject, projectID, ownerID string, status int) {
	h.audit.add(auditEntry{
		Time:      time.Now().UTC(),
		Action:    action,
		Subject:   subject,
		ProjectID: projectID,
		OwnerID:   ownerID,
		Status:    status,
	})
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.list(limit))
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- apps -------------------------------------------------------------------

func (h *handler) apps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name               string                                  `json:"name"`
			Description        string                                  `json:"description"`
			Enabled            *bool                                   `json:"enabled"`
			SecuritySchemes    map[security.SchemeKind]json.RawMessage `json:"security_schemes"`
			DefaultCredentials map[security.SchemeKind]json.RawMessage `json:"default_credentials"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		enabled := true
		if payload.Enabled != nil {
			enabled = *payload.Enabled
		}
		created, err := h.app.Apps.Register(r.Context(), appdomain.App{
			Name:               payload.Name,
			Description:        payload.Description,
			Enabled:            enabled,
			SecuritySchemes:    payload.SecuritySchemes,
			DefaultCredentials: payload.DefaultCredentials,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.recordAudit("app.register", created.Name, "", "", http.StatusCreated)
		writeJSON(w, http.StatusCreated, appView(created))

	case http.MethodGet:
		apps, err := h.app.Apps.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views := make([]map[string]any, 0, len(apps))
		for _, a := range apps {
			views = append(views, appView(a))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) appResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/apps"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	appName := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a, err := h.app.Apps.GetByName(r.Context(), appName)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, appView(a))
		return
	}

	switch parts[1] {
	case "functions":
		h.appFunctions(w, r, appName)
	case "default-credentials":
		h.appDefaultCredentials(w, r, appName)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) appFunctions(w http.ResponseWriter, r *http.Request, appName string) {
	switch r.Method {
	case http.MethodPost:
		var payload []struct {
			Name        string                `json:"name"`
			Description string                `json:"description"`
			Tags        []string              `json:"tags"`
			Enabled     *bool                 `json:"enabled"`
			Protocol    string                `json:"protocol"`
			Rest        function.RestMetadata `json:"rest"`
			Parameters  *schema.Object        `json:"parameters"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defs := make([]function.Definition, 0, len(payload))
		for _, p := range payload {
			enabled := true
			if p.Enabled != nil {
				enabled = *p.Enabled
			}
			defs = append(defs, function.Definition{
				Name:        p.Name,
				Description: p.Description,
				Tags:        p.Tags,
				Enabled:     enabled,
				Protocol:    function.Protocol(p.Protocol),
				Rest:        p.Rest,
				Parameters:  p.Parameters,
			})
		}
		imported, err := h.app.Apps.ImportFunctions(r.Context(), appName, defs)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, imported)

	case http.MethodGet:
		defs, err := h.app.Apps.ListFunctions(r.Context(), appName)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, defs)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) appDefaultCredentials(w http.ResponseWriter, r *http.Request, appName string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Scheme      security.SchemeKind `json:"scheme"`
		Credentials json.RawMessage     `json:"credentials"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := h.app.Apps.SetDefaultCredentials(r.Context(), appName, payload.Scheme, payload.Credentials)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, appView(a))
}

// --- functions --------------------------------------------------------------

func (h *handler) functions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defs, err := h.app.Functions.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *handler) functionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/functions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	functionName := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		def, err := h.app.Functions.Get(r.Context(), functionName)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, def)
		return
	}

	switch parts[1] {
	case "schema":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		visible, err := h.app.Functions.VisibleSchema(r.Context(), functionName)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, visible)

	case "execute":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			ProjectID string         `json:"project_id"`
			OwnerID   string         `json:"owner_id"`
			Input     map[string]any `json:"input"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := h.app.Functions.Execute(r.Context(), functionName, payload.ProjectID, payload.OwnerID, payload.Input)
		if err != nil {
			status := statusFor(err)
			h.recordAudit("function.execute", functionName, payload.ProjectID, payload.OwnerID, status)
			writeError(w, status, err)
			return
		}
		h.recordAudit("function.execute", functionName, payload.ProjectID, payload.OwnerID, http.StatusOK)
		writeJSON(w, http.StatusOK, result)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- linked accounts --------------------------------------------------------

func (h *handler) linkedAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			ProjectID   string              `json:"project_id"`
			AppName     string              `json:"app_name"`
			OwnerID     string              `json:"owner_id"`
			Scheme      security.SchemeKind `json:"scheme"`
			Credentials json.RawMessage     `json:"credentials"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		acct, err := h.app.LinkedAccounts.Link(r.Context(), payload.ProjectID, payload.AppName, payload.OwnerID, payload.Scheme, payload.Credentials)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		h.recordAudit("account.link", payload.AppName, payload.ProjectID, payload.OwnerID, http.StatusCreated)
		writeJSON(w, http.StatusCreated, accountView(acct))

	case http.MethodGet:
		accounts, err := h.app.LinkedAccounts.List(r.Context(), storage.LinkedAccountFilter{
			ProjectID: r.URL.Query().Get("project_id"),
			AppID:     r.URL.Query().Get("app_id"),
			OwnerID:   r.URL.Query().Get("owner_id"),
			Scheme:    security.SchemeKind(r.URL.Query().Get("scheme")),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views := make([]map[string]any, 0, len(accounts))
		for _, acct := range accounts {
			views = append(views, accountView(acct))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) linkedAccountResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/linked-accounts"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if parts[0] == "oauth2" {
		h.oauth2Flow(w, r, parts[1:])
		return
	}

	accountID := parts[0]
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		acct, err := h.app.LinkedAccounts.Get(r.Context(), accountID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acct))

	case http.MethodPatch:
		var payload struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
			return
		}
		acct, err := h.app.LinkedAccounts.SetEnabled(r.Context(), accountID, *payload.Enabled)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		h.recordAudit("account.update", accountID, acct.ProjectID, acct.OwnerID, http.StatusOK)
		writeJSON(w, http.StatusOK, accountView(acct))

	case http.MethodDelete:
		// Unlinking is a soft delete: the account is disabled and its
		// credentials stop resolving, but the record stays for re-linking.
		acct, err := h.app.LinkedAccounts.SetEnabled(r.Context(), accountID, false)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		h.recordAudit("account.unlink", accountID, acct.ProjectID, acct.OwnerID, http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) oauth2Flow(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "authorize":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			ProjectID   string `json:"project_id"`
			AppName     string `json:"app_name"`
			OwnerID     string `json:"owner_id"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		authURL, err := h.app.LinkedAccounts.StartOAuth2(r.Context(), payload.ProjectID, payload.AppName, payload.OwnerID, payload.RedirectURI)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})

	case "callback":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			writeError(w, http.StatusBadRequest, errors.New("state and code are required"))
			return
		}
		acct, err := h.app.LinkedAccounts.CompleteOAuth2(r.Context(), state, code)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, accountView(acct))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- helpers ----------------------------------------------------------------

// appView omits default credentials from API responses.
func appView(a appdomain.App) map[string]any {
	return map[string]any{
		"id":               a.ID,
		"name":             a.Name,
		"description":      a.Description,
		"enabled":          a.Enabled,
		"security_schemes": a.SecuritySchemes,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
	}
}

// accountView omits credential payloads from API responses.
func accountView(acct linkedaccount.LinkedAccount) map[string]any {
	return map[string]any{
		"id":              acct.ID,
		"project_id":      acct.ProjectID,
		"app_id":          acct.AppID,
		"owner_id":        acct.OwnerID,
		"scheme":          acct.Scheme,
		"enabled":         acct.Enabled,
		"has_credentials": acct.HasOwnCredentials(),
		"created_at":      acct.CreatedAt,
		"updated_at":      acct.UpdatedAt,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, linkedaccounts.ErrAlreadyLinked):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidInput),
		errors.Is(err, oauth2svc.ErrInvalidState),
		errors.Is(err, linkedaccounts.ErrSchemeNotSupported):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, credentials.ErrNoCredentials),
		errors.Is(err, schema.ErrMisconfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oauth2svc.ErrExchange),
		errors.Is(err, oauth2svc.ErrRefresh):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
