package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/auth"
	"github.com/eldercare/ehr/internal/platform/hipaa"
)

// Audit returns Echo middleware that records PHI access and denied requests
// under /api/v1 in the compliance audit log.
//
// A request touches PHI when its route carries a patient identifier (a
// :patientId path parameter or a patient_id query parameter). The HTTP
// method selects the event type; exports are recorded as PHI_EXPORT. Any
// auditable request answered with 403 is recorded as ACCESS_DENIED.
// Recording failures are logged and never change the response.
func Audit(logger zerolog.Logger, recorder hipaa.EventAppender) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "audit-middleware").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			event := buildAuditEvent(c, status)
			if event == nil {
				return err
			}

			ctx := context.WithoutCancel(c.Request().Context())
			if _, recErr := recorder.Append(ctx, event); recErr != nil {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(recErr).
					Str("request_id", rid).
					Str("event_type", string(event.Type)).
					Msg("failed to record audit event")
			}
			return err
		}
	}
}

func buildAuditEvent(c echo.Context, status int) *hipaa.AuditEvent {
	req := c.Request()
	ctx := req.Context()
	patientID := extractPatientID(c)

	var eventType hipaa.EventType
	switch {
	case status == http.StatusForbidden:
		eventType = hipaa.EventAccessDenied
	case patientID == "" || status >= 400:
		return nil
	default:
		eventType = phiEventType(req)
	}

	e := &hipaa.AuditEvent{
		Type:         eventType,
		UserID:       auth.UserIDFromContext(ctx),
		UserName:     auth.UserNameFromContext(ctx),
		PatientID:    patientID,
		Action:       req.Method + " " + c.Path(),
		ResourceType: extractResourceType(req.URL.Path),
		IPAddress:    c.RealIP(),
		UserAgent:    req.UserAgent(),
		SessionID:    auth.SessionIDFromContext(ctx),
		Outcome:      hipaa.OutcomeSuccess,
		Metadata: map[string]string{
			"path":   req.URL.Path,
			"status": http.StatusText(status),
		},
	}
	if rid, ok := c.Get("request_id").(string); ok && rid != "" {
		e.Metadata["request_id"] = rid
	}
	if reason := req.Header.Get("X-Break-Glass"); reason != "" {
		e.Metadata["break_glass_reason"] = reason
		e.Severity = hipaa.SeverityCritical
	}
	if eventType == hipaa.EventAccessDenied {
		e.Outcome = hipaa.OutcomeFailure
		e.FailureReason = "forbidden"
	}
	return e
}

// phiEventType maps the request to the PHI event it represents.
func phiEventType(req *http.Request) hipaa.EventType {
	switch req.Method {
	case http.MethodPost:
		return hipaa.EventPHICreate
	case http.MethodPut, http.MethodPatch:
		return hipaa.EventPHIUpdate
	case http.MethodDelete:
		return hipaa.EventPHIDelete
	}
	if strings.Contains(req.URL.Path, "/export") || req.URL.Query().Get("format") == "csv" {
		return hipaa.EventPHIExport
	}
	return hipaa.EventPHIView
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// extractResourceType returns the first segment after /api/v1/, skipping
// the audit namespace.
//
//   - /api/v1/patients/123        -> patients
//   - /api/v1/audit/patients/123  -> patients
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 1 && segments[0] == "audit" {
		segments = segments[1:]
	}
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

// extractPatientID finds a patient identifier in the route parameters or
// the query string.
func extractPatientID(c echo.Context) string {
	for i, name := range c.ParamNames() {
		if name == "patientId" && i < len(c.ParamValues()) {
			return c.ParamValues()[i]
		}
	}
	if p := c.QueryParam("patient_id"); p != "" {
		return p
	}
	return ""
}
