package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/approval"
	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/skills"
	"github.com/cellagent/cellagent/internal/store"
)

type fakeConductor struct {
	mu  sync.Mutex
	err error
	sig agent.Signal
}

func (c *fakeConductor) last() agent.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *fakeConductor) Run(ctx context.Context, sig agent.Signal) (*agent.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sig = sig
	if c.err != nil {
		return nil, c.err
	}
	return &agent.Result{Response: "hello back", CellID: "cell-1", ConversationID: "conv-1", ToolsUsed: []string{}}, nil
}

type fakeTasks struct {
	mu     sync.Mutex
	calls  []string
	err    error
	tasks  []store.Task
	create *store.Task
}

func (f *fakeTasks) record(call string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return &store.Task{ID: "t1", Status: store.TaskCompleted}, nil
}

func (f *fakeTasks) Create(ctx context.Context, t *store.Task) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create = t
	t.ID = "t-new"
	return t, nil
}

func (f *fakeTasks) List(ctx context.Context, userID, cellID string) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeTasks) Approve(ctx context.Context, u, id string) (*store.Task, error) {
	return f.record("approve:" + u + ":" + id)
}

func (f *fakeTasks) Reject(ctx context.Context, u, id string) (*store.Task, error) {
	return f.record("reject:" + u + ":" + id)
}

func (f *fakeTasks) Pause(ctx context.Context, u, id string) (*store.Task, error) {
	return f.record("pause:" + u + ":" + id)
}

func (f *fakeTasks) Skip(ctx context.Context, u, id string) (*store.Task, error) {
	return f.record("skip:" + u + ":" + id)
}

func (f *fakeTasks) Resume(ctx context.Context, u, id string) (*store.Task, error) {
	return f.record("resume:" + u + ":" + id)
}

func (f *fakeTasks) Run(ctx context.Context, u, id string) error {
	_, err := f.record("run:" + u + ":" + id)
	return err
}

func (f *fakeTasks) Delete(ctx context.Context, u, id string) error {
	_, err := f.record("delete:" + u + ":" + id)
	return err
}

type fakeWebhooks struct {
	got chan string
}

func (f *fakeWebhooks) HandleGitHub(ctx context.Context, userID, event string, payload json.RawMessage) error {
	f.got <- event + ":" + string(payload)
	return nil
}

type fakeDigest struct{}

func (fakeDigest) Flush(userID string) []notify.Notification {
	return []notify.Notification{{UserID: userID, Type: notify.TypeInfo, Title: "Heartbeat: inbox"}}
}

func (fakeDigest) Pending(userID string) int { return 1 }

type fakeSkills struct{}

func (fakeSkills) Loaded() []skills.Info {
	return []skills.Info{{Name: "workspace", Tools: []string{"workspace_read"}}}
}

func newTestServer(t *testing.T, token string, deps Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(Config{AuthToken: token, Version: "test"}, deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusIsPublic(t *testing.T) {
	srv := newTestServer(t, "secret", Deps{Hub: bus.NewHub(4), Tasks: &fakeTasks{}, Conductor: &fakeConductor{}})
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChatRequiresToken(t *testing.T) {
	c := &fakeConductor{}
	srv := newTestServer(t, "secret", Deps{Hub: bus.NewHub(4), Tasks: &fakeTasks{}, Conductor: c})

	body := `{"userId":"u1","message":"hi"}`
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/chat", "", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/chat", "wrong", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", resp.StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/chat", "secret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res agent.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Response != "hello back" || res.ConversationID != "conv-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sig := c.last(); sig.Kind != agent.SignalChat || sig.UserID != "u1" || sig.Content != "hi" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestChatErrorIsGeneric(t *testing.T) {
	c := &fakeConductor{err: errors.New("openai: 401 invalid key sk-123")}
	srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: &fakeTasks{}, Conductor: c})

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/chat", "", `{"userId":"u1","message":"hi"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if strings.Contains(body["error"], "sk-123") {
		t.Fatalf("provider error leaked: %q", body["error"])
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/chat", "", `{"userId":"u1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing message: status = %d", resp.StatusCode)
	}
}

func TestTaskActions(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: tasks, Conductor: &fakeConductor{}})

	for _, action := range []string{"approve", "reject", "pause", "skip", "resume"} {
		resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/t1/"+action+"?userId=u1", "", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", action, resp.StatusCode)
		}
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/t1/run?userId=u1", "", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run: status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/t1/explode", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action: status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/v1/tasks/t1?userId=u1", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	want := []string{"approve:u1:t1", "reject:u1:t1", "pause:u1:t1", "skip:u1:t1", "resume:u1:t1", "run:u1:t1", "delete:u1:t1"}
	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	if strings.Join(tasks.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", tasks.calls)
	}
}

func TestTaskErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{approval.ErrNotAwaiting, http.StatusConflict},
		{approval.ErrInvalidStatus, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tasks := &fakeTasks{err: tt.err}
		srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: tasks, Conductor: &fakeConductor{}})
		resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/t1/approve?userId=u1", "", "")
		if resp.StatusCode != tt.want {
			t.Fatalf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
	}
}

func TestCreateAndListTasks(t *testing.T) {
	tasks := &fakeTasks{tasks: []store.Task{{ID: "a"}, {ID: "b"}}}
	srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: tasks, Conductor: &fakeConductor{}})

	body := `{"userId":"u1","cellId":"c1","title":"Check CI","triggerType":"delay","triggerConfig":{"delay":{"value":5,"unit":"minutes"}}}`
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	tasks.mu.Lock()
	created := tasks.create
	tasks.mu.Unlock()
	if created == nil || created.TriggerConfig.Delay == nil || created.TriggerConfig.Delay.Value != 5 {
		t.Fatalf("created task = %+v", created)
	}

	bad := `{"userId":"u1","cellId":"c1","title":"x","triggerType":"weekly"}`
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/tasks", "", bad); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad trigger: status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/tasks?userId=u1", "", "")
	var got []store.Task
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tasks = %+v", got)
	}
}

func TestEventStream(t *testing.T) {
	hub := bus.NewHub(4)
	srv := newTestServer(t, "", Deps{Hub: hub, Tasks: &fakeTasks{}, Conductor: &fakeConductor{}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?userId=u1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	_, _ = r.ReadString('\n')

	hub.Broadcast("u2", bus.Event{Type: bus.EventMessage, Payload: "not for u1"})
	hub.Broadcast("u1", bus.Event{Type: bus.EventTaskUpdate, Payload: map[string]string{"id": "t1"}})

	line, _ = r.ReadString('\n')
	if line != "event: task_update\n" {
		t.Fatalf("event line = %q", line)
	}
	line, _ = r.ReadString('\n')
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"t1"`) {
		t.Fatalf("data line = %q", line)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("u1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGitHubWebhook(t *testing.T) {
	hooks := &fakeWebhooks{got: make(chan string, 1)}
	srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: &fakeTasks{}, Conductor: &fakeConductor{}, Webhooks: hooks})

	if resp := do(t, http.MethodPost, srv.URL+"/webhooks/github", "", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing header: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github", strings.NewReader(`{"ref":"refs/heads/main"}`))
	req.Header.Set("X-GitHub-Event", "push")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case got := <-hooks.got:
		if got != `push:{"ref":"refs/heads/main"}` {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not dispatched")
	}
}

func TestDigestAndSkills(t *testing.T) {
	srv := newTestServer(t, "", Deps{Hub: bus.NewHub(4), Tasks: &fakeTasks{}, Conductor: &fakeConductor{}, Digest: fakeDigest{}, Skills: fakeSkills{}})

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/notifications/digest?userId=u1", "", "")
	var digest struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&digest); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	if len(digest.Notifications) != 1 {
		t.Fatalf("digest = %+v", digest)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/skills", "", "")
	var infos []skills.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode skills: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "workspace" {
		t.Fatalf("skills = %+v", infos)
	}
}
