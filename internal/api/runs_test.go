package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/conductor/internal/model"
)

func postRun(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	return resp
}

func submitRun(t *testing.T, url string) string {
	t.Helper()
	resp := postRun(t, url, `{"workflow":"research","input":{"topic":"go"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var body submitRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.RunID
}

func TestSubmitRunAccepted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts.URL, `{"workflow":"research","input":{"topic":"go"},"agents":["researcher"],"process_type":"sequential"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body submitRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.RunID) != 26 {
		t.Errorf("RunID length = %d, want 26", len(body.RunID))
	}
	if body.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", body.Status)
	}
	if body.PollingURL != "/v1/runs/"+body.RunID {
		t.Errorf("PollingURL = %q", body.PollingURL)
	}
	if body.EventsURL != "/v1/runs/"+body.RunID+"/events" {
		t.Errorf("EventsURL = %q", body.EventsURL)
	}
	if loc := resp.Header.Get("Location"); loc != body.PollingURL {
		t.Errorf("Location = %q, want %q", loc, body.PollingURL)
	}

	d, err := srv.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.RunID != body.RunID {
		t.Errorf("queued run %q, want %q", d.RunID, body.RunID)
	}
}

func TestSubmitRunValidationError(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing workflow", `{"input":{}}`, "workflow"},
		{"unknown workflow", `{"workflow":"summarize"}`, "workflow"},
		{"input not an object", `{"workflow":"research","input":"text"}`, "input"},
		{"empty agent", `{"workflow":"research","agents":["a",""]}`, "agents[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp := postRun(t, ts.URL, tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Field != tt.field {
				t.Errorf("Field = %q, want %q", body.Field, tt.field)
			}
			if body.Error == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestSubmitRunInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts.URL, `{not json`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunExisting(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submitRun(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/runs/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.ID != id || run.Status != model.StatusPending {
		t.Errorf("run = %s/%s, want %s/pending", run.ID, run.Status, id)
	}
	if run.Spec.Workflow != "research" {
		t.Errorf("Workflow = %q, want research", run.Spec.Workflow)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Runs == nil || len(body.Runs) != 0 {
		t.Errorf("Runs = %v, want empty list", body.Runs)
	}
	if body.Total != 0 || body.Limit != 50 {
		t.Errorf("Total = %d, Limit = %d, want 0/50", body.Total, body.Limit)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		submitRun(t, ts.URL)
	}

	tests := []struct {
		query     string
		wantLen   int
		wantLimit int
	}{
		{"limit=2&offset=0", 2, 2},
		{"limit=2&offset=4", 1, 2},
		{"limit=0", 5, 50},
		{"limit=abc&offset=-1", 5, 50},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(fmt.Sprintf("%s/v1/runs?%s", ts.URL, tt.query))
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			var body listRunsResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if len(body.Runs) != tt.wantLen {
				t.Errorf("len(Runs) = %d, want %d", len(body.Runs), tt.wantLen)
			}
			if body.Total != 5 {
				t.Errorf("Total = %d, want 5", body.Total)
			}
			if body.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", body.Limit, tt.wantLimit)
			}
		})
	}
}

func TestListRunsStatusFilter(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	submitRun(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/runs?status=completed")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 0 {
		t.Errorf("completed Total = %d, want 0", body.Total)
	}

	bad, err := http.Get(ts.URL + "/v1/runs?status=killed")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status filter: status = %d, want 400", bad.StatusCode)
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var infos []struct {
		Workflow     string `json:"workflow"`
		Capabilities struct {
			Name string `json:"name"`
		} `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].Workflow != "research" || infos[0].Capabilities.Name != "func" {
		t.Errorf("backends = %+v", infos)
	}
}
