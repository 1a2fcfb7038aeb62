package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ReputeFlow-Escrow/sdk/go/reputeflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(reputeflow.Token{AccessToken: "demo-token", TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(reputeflow.Project{
				ID:          1,
				ClientID:    "client-demo",
				TotalBudget: 1500,
				Status:      "created",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/projects/1/fund", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(reputeflow.Project{
			ID:          1,
			ClientID:    "client-demo",
			TotalBudget: 1500,
			Status:      "active",
			FundingTx:   "memtx-000001",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := reputeflow.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, reputeflow.Credentials{Username: "client-demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	project, err := client.CreateProject(ctx, reputeflow.ProjectSubmission{
		ClientID: "client-demo",
		Title:    "landing page",
		Milestones: []reputeflow.MilestoneSpec{
			{Description: "design", Amount: 500},
			{Description: "implementation", Amount: 1000},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created project %d (status=%s)\n", project.ID, project.Status)

	funded, err := client.FundProject(ctx, project.ID, project.TotalBudget)
	if err != nil {
		panic(err)
	}
	fmt.Printf("funded project %d (status=%s tx=%s)\n", funded.ID, funded.Status, funded.FundingTx)
}
