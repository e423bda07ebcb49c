package agentmesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTaskSendsRequesterID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.RequesterID != "alice" {
			t.Fatalf("expected requester alice, got %q", submission.RequesterID)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Receipt{TaskID: "task-1", Status: "pending", Specialist: "prediction"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetRequesterID("alice")

	receipt, err := client.SubmitTask(context.Background(), TaskSubmission{Request: "Is BONK a good buy?"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if receipt.TaskID != "task-1" || receipt.Specialist != "prediction" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-404" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "任务不存在",
			"code":  "TASK_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestGetTaskAttachesRequesterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Requester-ID") != "alice" {
			t.Fatalf("expected requester header, got %q", r.Header.Get("X-Requester-ID"))
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "completed"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetRequesterID("alice")

	task, err := client.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "completed" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestInvokeDecodesPaymentRequirements(t *testing.T) {
	doc := map[string]any{
		"error": "payment required",
		"accepts": []PaymentRequirement{{
			Scheme:  "exact",
			Network: "base",
			Asset:   "ETH",
			Amount:  "0.001",
			PayTo:   "0x8Ba1f109551bD432803012645Ac136ddd64DBA72",
		}},
	}
	raw, _ := json.Marshal(doc)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payment") == "" {
			w.Header().Set("X-Payment-Requirements", base64.StdEncoding.EncodeToString(raw))
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(raw)
			return
		}
		_ = json.NewEncoder(w).Encode(InvokeResult{Success: true, Reply: "done"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Invoke(context.Background(), "prediction", "Is BONK a good buy?", "")
	var required *PaymentRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("expected PaymentRequiredError, got %v", err)
	}
	if len(required.Accepts) != 1 || required.Accepts[0].Network != "base" {
		t.Fatalf("unexpected requirements: %+v", required.Accepts)
	}

	signature := "0xf00df00df00df00df00df00df00df00df00df00df00df00df00df00df00df00d"
	result, err := client.Invoke(context.Background(), "prediction", "Is BONK a good buy?", signature)
	if err != nil {
		t.Fatalf("paid invoke: %v", err)
	}
	if !result.Success || result.Reply != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWaitForCompletionPolls(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "processing"
		if calls >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	task, err := client.WaitForCompletion(context.Background(), "task-1", 1)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != "completed" || calls < 3 {
		t.Fatalf("expected completion after polling, status=%s calls=%d", task.Status, calls)
	}
}

func TestVoteSendsVoterIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/votes" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["voter_id"] != "alice" || body["direction"] != "up" {
			t.Fatalf("unexpected vote payload: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"specialist": "prediction", "success_rate": 100})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetRequesterID("alice")

	if err := client.Vote(context.Background(), "task-1", "up"); err != nil {
		t.Fatalf("vote: %v", err)
	}
}
