package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientProbeReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Status{State: "running"})
	}))
	defer srv.Close()

	c := New("pipe-1", srv.URL, time.Second, nil)
	status, err := c.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if status.State != "running" {
		t.Fatalf("State = %q, want running", status.State)
	}
}

func TestClientStartReturnsInvalidResponseErrorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New("pipe-1", srv.URL, time.Second, nil)
	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	rerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rerr.Code != CodePipelineEndpointInvalidResponse {
		t.Fatalf("Code = %q, want %q", rerr.Code, CodePipelineEndpointInvalidResponse)
	}
}

func TestClientIngressReturnsParseErrorsOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ParseErrors{Errors: []RowError{{EventNumber: 3, Field: "amount", InvalidText: "abc"}}})
	}))
	defer srv.Close()

	c := New("pipe-1", srv.URL, time.Second, nil)
	parseErrs, err := c.Ingress(context.Background(), "bids", "json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Ingress: %v", err)
	}
	if parseErrs == nil || len(parseErrs.Errors) != 1 {
		t.Fatalf("expected one parse error, got %+v", parseErrs)
	}
	if parseErrs.Errors[0].Field != "amount" {
		t.Fatalf("Field = %q, want amount", parseErrs.Errors[0].Field)
	}
}

func TestClientQueryReturnsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sql") != "select 1" {
			t.Fatalf("unexpected sql %q", r.URL.Query().Get("sql"))
		}
		json.NewEncoder(w).Encode(QueryResult{Rows: []json.RawMessage{json.RawMessage(`{"a":1}`)}})
	}))
	defer srv.Close()

	c := New("pipe-1", srv.URL, time.Second, nil)
	result, err := c.Query(context.Background(), "select 1", "json")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(result.Rows))
	}
}
