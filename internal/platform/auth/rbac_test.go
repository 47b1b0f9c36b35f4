package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{"compliance_officer"}, []string{"compliance_officer", "admin"}, true},
		{[]string{"admin"}, []string{"compliance_officer"}, true},
		{[]string{"nurse"}, []string{"compliance_officer"}, false},
		{nil, []string{"compliance_officer"}, false},
		{[]string{"nurse", "compliance_officer"}, []string{"compliance_officer"}, true},
	}

	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{"compliance_officer"}))

	err := runMiddleware(t, RequireRole(RoleComplianceOfficer), req, okHandler)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{"billing"}))

	err := runMiddleware(t, RequireRole(RoleComplianceOfficer), req, okHandler)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := runMiddleware(t, RequireRole(RoleComplianceOfficer), req, okHandler)
	expectStatus(t, err, http.StatusForbidden)
}
