package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProvisionSendsFunctionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/provision" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if key := r.Header.Get("X-Functions-Key"); key != "k1" {
			t.Fatalf("unexpected function key %q", key)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["branch_name"] != "feat-x" {
			t.Fatalf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","branch_name":"feat-x","database_created":true,"correlation_id":"abc"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithFunctionKey(" k1 "))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := cli.Provision(context.Background(), "feat-x")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.Status != "success" || !result.DatabaseCreated || result.CorrelationID != "abc" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestDeployFailureReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Fatalf("unexpected authorization %q", auth)
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"Deployment failed","namespace":"feature-x","error_details":"image missing"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("tok"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := cli.Deploy(context.Background(), "x", "abc")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Message != "Deployment failed: image missing" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
	if result.Namespace != "feature-x" || result.ErrorDetails != "image missing" {
		t.Fatalf("expected decoded failure result, got %+v", result)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Invalid request: branch_name cannot be empty","correlation_id":"c"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.Deprovision(context.Background(), "")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Message != "Invalid request: branch_name cannot be empty" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
