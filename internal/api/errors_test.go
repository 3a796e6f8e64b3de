package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/runner"
	"github.com/flowctl/flowctl/internal/store"
)

func decodeWireError(t *testing.T, rec *httptest.ResponseRecorder) wireError {
	t.Helper()
	var we wireError
	if err := json.Unmarshal(rec.Body.Bytes(), &we); err != nil {
		t.Fatalf("decode wire error: %v", err)
	}
	return we
}

func TestWriteErrorNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, store.ErrNotFound)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if we := decodeWireError(t, rec); we.ErrorCode != "PipelineNotFound" {
		t.Fatalf("error_code = %q, want PipelineNotFound", we.ErrorCode)
	}
}

func TestWriteErrorConflict(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, domain.NewConflictError("pipeline", "p1", 2, 1))
	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if we := decodeWireError(t, rec); we.ErrorCode != "PipelineAlreadyExists" {
		t.Fatalf("error_code = %q, want PipelineAlreadyExists", we.ErrorCode)
	}
}

func TestWriteErrorRunnerErrorMapsToBadGateway(t *testing.T) {
	rec := httptest.NewRecorder()
	rerr := &runner.Error{Code: runner.CodePipelineProvisioningTimeout, Message: "timed out waiting for port file"}
	writeError(rec, rerr)
	if rec.Code != 502 {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	we := decodeWireError(t, rec)
	if we.ErrorCode != string(runner.CodePipelineProvisioningTimeout) {
		t.Fatalf("error_code = %q, want %q", we.ErrorCode, runner.CodePipelineProvisioningTimeout)
	}
	if we.Message != rerr.Message {
		t.Fatalf("message = %q, want %q", we.Message, rerr.Message)
	}
}

func TestWriteErrorDefaultsToSystemError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("boom"))
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if we := decodeWireError(t, rec); we.ErrorCode != "SystemError" {
		t.Fatalf("error_code = %q, want SystemError", we.ErrorCode)
	}
}
