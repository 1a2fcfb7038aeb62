package reputeflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&Credentials{}); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			TokenType:   "Bearer",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Authenticate(context.Background(), Credentials{
		Username: "client-1",
		Password: "secret",
	}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestCreateProjectSendsToken(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/projects":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			created = true
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Project{ID: 7, Status: "created"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	project, err := client.CreateProject(context.Background(), ProjectSubmission{
		ClientID:   "client-1",
		Milestones: []MilestoneSpec{{Description: "build", Amount: 1000}},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if !created || project.ID != 7 {
		t.Fatalf("unexpected project: %+v", project)
	}
}

func TestGetProjectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/projects/404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "PROJECT_NOT_FOUND", Message: "missing"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetProject(context.Background(), 404)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "PROJECT_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
