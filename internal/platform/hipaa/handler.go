package hipaa

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/auth"
	"github.com/eldercare/ehr/pkg/pagination"
)

// defaultReportWindow is used when a report request omits start.
const defaultReportWindow = 30 * 24 * time.Hour

// Handler exposes the compliance service over HTTP.
type Handler struct {
	svc    *ComplianceService
	logger zerolog.Logger
}

// NewHandler creates a handler for svc.
func NewHandler(svc *ComplianceService, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "compliance-handler").Logger()}
}

// RegisterRoutes mounts the compliance API on g. Every route requires the
// compliance_officer or admin role.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	officer := auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleAdmin)

	audit := g.Group("/audit", officer)
	audit.POST("/events", h.HandleAppendEvent)
	audit.GET("/events", h.HandleQueryEvents)
	audit.GET("/events/export", h.HandleExportEvents)
	audit.GET("/events/:id", h.HandleGetEvent)
	audit.GET("/integrity", h.HandleVerifyIntegrity)
	audit.GET("/reports", h.HandleGenerateReport)
	audit.GET("/summary", h.HandleComplianceSummary)
	audit.GET("/users/:userId/trail", h.HandleUserTrail)
	audit.GET("/patients/:patientId/trail", h.HandlePatientTrail)
	audit.GET("/violations", h.HandleListViolations)
	audit.GET("/violations/:id", h.HandleGetViolation)
	audit.POST("/violations/:id/resolve", h.HandleResolveViolation)

	enc := g.Group("/encryption", officer)
	enc.POST("/encrypt", h.HandleEncrypt)
	enc.POST("/decrypt", h.HandleDecrypt)
	enc.POST("/rotate", h.HandleRotateKeys, auth.RequireRole(auth.RoleAdmin))
	enc.GET("/keys", h.HandleListKeys)
	enc.GET("/phi-fields", h.HandlePHIFields)
	enc.POST("/records/seal", h.HandleSealRecord)
	enc.POST("/records/open", h.HandleOpenRecord)
	enc.POST("/records/reseal", h.HandleResealRecord)

	admin := g.Group("/admin", officer)
	admin.GET("/retention-policies", h.HandleRetentionPolicies)
	admin.POST("/retention/run", h.HandleRunRetention, auth.RequireRole(auth.RoleAdmin))
}

// errorResponse maps the compliance error taxonomy to HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnknownKeyVersion):
		status, code = http.StatusNotFound, "unknown_key_version"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ErrMalformedEnvelope):
		status, code = http.StatusBadRequest, "malformed_ciphertext"
	case errors.Is(err, ErrAuthenticationFailure):
		status, code = http.StatusUnprocessableEntity, "authentication_failed"
	case errors.Is(err, ErrAlreadyResolved):
		status, code = http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrLiveUnavailable), errors.Is(err, ErrNotInitialized):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return c.JSON(status, map[string]string{"error": msg, "code": code})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg, "code": "validation_failed"})
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339: %v", ErrValidation, name, err)
	}
	return &t, nil
}

// parseWindow reads start/end, defaulting end to now and start to 30 days
// before end.
func parseWindow(c echo.Context) (time.Time, time.Time, error) {
	start, err := parseTimeParam(c, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e := time.Now().UTC()
	if end != nil {
		e = *end
	}
	s := e.Add(-defaultReportWindow)
	if start != nil {
		s = *start
	}
	return s, e, nil
}

func filterFromQuery(c echo.Context) (EventFilter, error) {
	var f EventFilter
	var err error

	if f.Types, err = ParseEventTypes(c.QueryParam("event_type")); err != nil {
		return f, err
	}
	if f.Severities, err = ParseSeverities(c.QueryParam("severity")); err != nil {
		return f, err
	}
	if f.Start, err = parseTimeParam(c, "start"); err != nil {
		return f, err
	}
	if f.End, err = parseTimeParam(c, "end"); err != nil {
		return f, err
	}
	f.UserID = c.QueryParam("user_id")
	f.PatientID = c.QueryParam("patient_id")
	f.IPAddress = c.QueryParam("ip_address")
	f.PHIOnly, _ = strconv.ParseBool(c.QueryParam("phi_only"))
	f.SecurityCriticalOnly, _ = strconv.ParseBool(c.QueryParam("security_critical_only"))
	return f, nil
}

// HandleAppendEvent handles POST /api/v1/audit/events.
func (h *Handler) HandleAppendEvent(c echo.Context) error {
	var event AuditEvent
	if err := c.Bind(&event); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	// Chain fields are assigned by the log.
	event.Sequence = 0
	event.Checksum = ""
	if event.IPAddress == "" {
		event.IPAddress = c.RealIP()
	}

	stored, err := h.svc.AppendEvent(c.Request().Context(), &event)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

// HandleQueryEvents handles GET /api/v1/audit/events.
func (h *Handler) HandleQueryEvents(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return errorResponse(c, err)
	}
	p := pagination.FromContext(c)
	filter.Limit, filter.Offset = p.Limit, p.Offset

	page, err := h.svc.QueryEvents(c.Request().Context(), filter)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Events, page.Total, p, c.Request().URL.Path))
}

// HandleExportEvents handles GET /api/v1/audit/events/export?format=csv|json.
func (h *Handler) HandleExportEvents(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return errorResponse(c, err)
	}

	ctx := c.Request().Context()
	stamp := time.Now().UTC().Format("20060102T150405Z")
	switch format := c.QueryParam("format"); format {
	case "", "json":
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=audit-events-%s.json", stamp))
		c.Response().WriteHeader(http.StatusOK)
		return h.svc.AuditLog().ExportJSON(ctx, filter, c.Response())
	case "csv":
		c.Response().Header().Set(echo.HeaderContentType, "text/csv")
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=audit-events-%s.csv", stamp))
		c.Response().WriteHeader(http.StatusOK)
		return h.svc.AuditLog().ExportCSV(ctx, filter, c.Response())
	default:
		return badRequest(c, "format must be json or csv")
	}
}

// HandleGetEvent handles GET /api/v1/audit/events/:id.
func (h *Handler) HandleGetEvent(c echo.Context) error {
	event, err := h.svc.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, event)
}

// HandleVerifyIntegrity handles GET /api/v1/audit/integrity.
func (h *Handler) HandleVerifyIntegrity(c echo.Context) error {
	result, err := h.svc.VerifyIntegrity(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleGenerateReport handles GET /api/v1/audit/reports?type=&start=&end=.
func (h *Handler) HandleGenerateReport(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return errorResponse(c, err)
	}
	reportType := ReportType(c.QueryParam("type"))
	if reportType == "" {
		reportType = ReportHIPAAAudit
	}

	report, err := h.svc.GenerateReport(c.Request().Context(), start, end, reportType)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleComplianceSummary handles GET /api/v1/audit/summary.
func (h *Handler) HandleComplianceSummary(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return errorResponse(c, err)
	}
	summary, err := h.svc.GenerateComplianceSummary(c.Request().Context(), start, end)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleUserTrail handles GET /api/v1/audit/users/:userId/trail.
func (h *Handler) HandleUserTrail(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return errorResponse(c, err)
	}
	events, err := h.svc.UserActivityTrail(c.Request().Context(), c.Param("userId"), start, end)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events, "total": len(events)})
}

// HandlePatientTrail handles GET /api/v1/audit/patients/:patientId/trail.
func (h *Handler) HandlePatientTrail(c echo.Context) error {
	start, end, err := parseWindow(c)
	if err != nil {
		return errorResponse(c, err)
	}
	events, err := h.svc.PatientAccessTrail(c.Request().Context(), c.Param("patientId"), start, end)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events, "total": len(events)})
}

// HandleListViolations handles GET /api/v1/audit/violations?resolved=.
func (h *Handler) HandleListViolations(c echo.Context) error {
	violations, err := h.svc.ListViolations(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	if v := c.QueryParam("resolved"); v != "" {
		want, perr := strconv.ParseBool(v)
		if perr != nil {
			return badRequest(c, "resolved must be true or false")
		}
		filtered := make([]ComplianceViolation, 0, len(violations))
		for _, viol := range violations {
			if viol.Resolved == want {
				filtered = append(filtered, viol)
			}
		}
		violations = filtered
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"violations": violations, "total": len(violations)})
}

// HandleGetViolation handles GET /api/v1/audit/violations/:id.
func (h *Handler) HandleGetViolation(c echo.Context) error {
	v, err := h.svc.Detector().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

type resolveRequest struct {
	Note string `json:"note"`
}

// HandleResolveViolation handles POST /api/v1/audit/violations/:id/resolve.
func (h *Handler) HandleResolveViolation(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Note == "" {
		return badRequest(c, "note is required")
	}

	by := auth.UserIDFromContext(c.Request().Context())
	v, err := h.svc.ResolveViolation(c.Request().Context(), c.Param("id"), req.Note, by)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	KeyVersion int    `json:"key_version"`
}

type rotateRequest struct {
	Algorithm  Algorithm `json:"algorithm"`
	ArchiveOld bool      `json:"archive_old"`
	Reason     string    `json:"reason"`
}

// HandleEncrypt handles POST /api/v1/encryption/encrypt.
func (h *Handler) HandleEncrypt(c echo.Context) error {
	var req encryptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	out, err := h.svc.Encrypt(req.Plaintext)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// HandleDecrypt handles POST /api/v1/encryption/decrypt.
func (h *Handler) HandleDecrypt(c echo.Context) error {
	var req decryptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.KeyVersion <= 0 {
		return badRequest(c, "key_version is required")
	}
	pt, err := h.svc.Decrypt(req.Ciphertext, req.KeyVersion)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"plaintext": pt})
}

// HandleRotateKeys handles POST /api/v1/encryption/rotate (admin only).
func (h *Handler) HandleRotateKeys(c echo.Context) error {
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Reason == "" {
		req.Reason = "manual rotation"
	}

	ctx := c.Request().Context()
	res, err := h.svc.RotateKeys(ctx, req.Algorithm, req.ArchiveOld, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleListKeys handles GET /api/v1/encryption/keys.
func (h *Handler) HandleListKeys(c echo.Context) error {
	keys := h.svc.Encryption().Keys()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"current_version": keys.CurrentVersion(),
		"keys":            keys.Configs(),
	})
}

// HandlePHIFields handles GET /api/v1/encryption/phi-fields.
func (h *Handler) HandlePHIFields(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"record_types": DefaultPHIFields()})
}

type sealRequest struct {
	RecordType string            `json:"record_type"`
	Fields     map[string]string `json:"fields"`
}

// HandleSealRecord handles POST /api/v1/encryption/records/seal.
func (h *Handler) HandleSealRecord(c echo.Context) error {
	var req sealRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.RecordType == "" || len(req.Fields) == 0 {
		return badRequest(c, "record_type and fields are required")
	}
	rec, err := h.svc.Fields().EncryptRecord(req.RecordType, req.Fields)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) bindSealed(c echo.Context) (*EncryptedRecord, error) {
	var rec EncryptedRecord
	if err := c.Bind(&rec); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", ErrValidation, err)
	}
	if rec.KeyVersion <= 0 {
		return nil, fmt.Errorf("%w: key_version is required", ErrValidation)
	}
	return &rec, nil
}

// HandleOpenRecord handles POST /api/v1/encryption/records/open.
func (h *Handler) HandleOpenRecord(c echo.Context) error {
	rec, err := h.bindSealed(c)
	if err != nil {
		return errorResponse(c, err)
	}
	fields, err := h.svc.Fields().DecryptRecord(rec)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"record_type": rec.RecordType,
		"fields":      fields,
	})
}

// HandleResealRecord handles POST /api/v1/encryption/records/reseal,
// moving a record to the current key.
func (h *Handler) HandleResealRecord(c echo.Context) error {
	rec, err := h.bindSealed(c)
	if err != nil {
		return errorResponse(c, err)
	}
	out, err := h.svc.Fields().ReEncryptRecord(rec)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// HandleRetentionPolicies handles GET /api/v1/admin/retention-policies.
func (h *Handler) HandleRetentionPolicies(c echo.Context) error {
	policies := DefaultRetentionPolicies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
		"cutoff":   h.svc.Retention().Cutoff(),
	})
}

// HandleRunRetention handles POST /api/v1/admin/retention/run (admin only).
func (h *Handler) HandleRunRetention(c echo.Context) error {
	res, err := h.svc.RunRetention(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual retention run failed")
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
