package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
)

// AuditEntry records one state-changing API call.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	Tenant     string
	UserID     string
	Roles      []string
	Action     string
	Resource   string
	ResourceID string
	Operation  string
	Method     string
	Path       string
	RemoteIP   string
	Status     int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error { return f(entry) }

// Audit writes a "billing_audit" log line for every mutating request under
// /api/v1, after the handler ran so the outcome status is known. Reads are
// not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := methodAction(req.Method)
			if action == "" || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := c.Request().Context()
			p, _ := auth.PrincipalFromContext(ctx)
			entry := AuditEntry{
				Timestamp: time.Now().UTC(),
				RequestID: RequestIDFromContext(ctx),
				Tenant:    db.TenantFromContext(ctx),
				UserID:    auth.UserIDFromContext(ctx),
				Roles:     p.Roles,
				Action:    action,
				Method:    req.Method,
				Path:      req.URL.Path,
				RemoteIP:  c.RealIP(),
				Status:    status,
			}
			entry.Resource, entry.ResourceID, entry.Operation = splitAPIPath(req.URL.Path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "billing_audit").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.Tenant).
				Str("user_id", entry.UserID).
				Strs("roles", entry.Roles).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("operation", entry.Operation).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status).
				Msg("audit")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return ""
}

// splitAPIPath breaks /api/v1/invoices/<id>/record-payment into its
// resource, id and operation parts. Ids are only reported when they parse
// as UUIDs or when the resource is keyed by code.
func splitAPIPath(path string) (resource, id, operation string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource = segs[0]
	rest := segs[1:]
	if len(rest) > 0 {
		if _, err := uuid.Parse(rest[0]); err == nil || resource == "inventory" || resource == "catalog" {
			id, rest = rest[0], rest[1:]
		}
	}
	if len(rest) > 0 {
		operation = rest[0]
	}
	return resource, id, operation
}
