package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentMesh/sdk/go/agentmesh"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(agentmesh.Receipt{
				TaskID:     "task-demo",
				Status:     "pending",
				Specialist: "prediction",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentmesh.Task{
			ID:         "task-demo",
			Request:    "Is BONK a good buy?",
			Specialist: "prediction",
			Status:     "completed",
			Result: map[string]any{
				"reply": "BONK 短期看涨",
			},
		})
	})
	mux.HandleFunc("/api/v1/votes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"specialist": "prediction", "success_rate": 100})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentmesh.NewClient(srv.URL, srv.Client())
	client.SetRequesterID("demo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := client.SubmitTask(ctx, agentmesh.TaskSubmission{Request: "Is BONK a good buy?"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s specialist=%s)\n", receipt.TaskID, receipt.Status, receipt.Specialist)

	task, err := client.WaitForCompletion(ctx, receipt.TaskID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with result=%v\n", task.ID, task.Result)

	if err := client.Vote(ctx, task.ID, "up"); err != nil {
		panic(err)
	}
	fmt.Println("voted up")
}
