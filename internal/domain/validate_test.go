package domain

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"my-pipeline", false},
		{"a", false},
		{"", true},
		{"Upper", false},
		{"-leading-dash", false},
		{"has_underscore", false},
		{"has space", true},
		{"has.dot", true},
		{strings.Repeat("a", 100), false},
		{strings.Repeat("a", 101), true},
	}
	for _, c := range cases {
		err := ValidateName("pipeline", c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateName(%q): err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
		if err != nil && !IsValidationError(err) {
			t.Errorf("ValidateName(%q): error not classified as validation: %v", c.name, err)
		}
	}
}

func TestValidateProfileDefaultsToOptimized(t *testing.T) {
	p, err := ValidateProfile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != ProfileOptimized {
		t.Errorf("got %q, want %q", p, ProfileOptimized)
	}
}

func TestValidateProfileRejectsUnknown(t *testing.T) {
	_, err := ValidateProfile("turbo")
	if err == nil || !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateDesiredStatus(t *testing.T) {
	for _, ok := range []DesiredStatus{DesiredRunning, DesiredPaused, DesiredShutdown} {
		if err := ValidateDesiredStatus(ok); err != nil {
			t.Errorf("ValidateDesiredStatus(%q) = %v, want nil", ok, err)
		}
	}
	if err := ValidateDesiredStatus("deleted"); err == nil || !IsValidationError(err) {
		t.Errorf("expected validation error for unknown desired status")
	}
}

func TestNewConflictErrorIsConflict(t *testing.T) {
	err := NewConflictError("pipeline", "p-1", 3, 4)
	if !IsConflictError(err) {
		t.Errorf("expected conflict error, got %v", err)
	}
	if IsValidationError(err) {
		t.Errorf("conflict error misclassified as validation error")
	}
}

func TestApiKeyHasPermission(t *testing.T) {
	k := &ApiKey{Permissions: []ApiPermission{PermissionRead}}
	if !k.HasPermission(PermissionRead) {
		t.Error("expected read permission")
	}
	if k.HasPermission(PermissionWrite) {
		t.Error("did not expect write permission")
	}

	admin := &ApiKey{Permissions: []ApiPermission{PermissionAdmin}}
	if !admin.HasPermission(PermissionWrite) || !admin.HasPermission(PermissionRead) {
		t.Error("admin permission should satisfy read and write")
	}
}
