package image

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/champi-dev/aipics/internal/providers/qwen"
)

type fakeTaskClient struct {
	creds     bool
	submitErr error
	tasks     map[string]*qwen.Task
	submitted []qwen.TaskRequest
	download  []byte
}

func (f *fakeTaskClient) SubmitTask(_ context.Context, req qwen.TaskRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "task-1", nil
}

func (f *fakeTaskClient) GetTask(_ context.Context, id string) (*qwen.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("qwen: status 404")
	}
	return task, nil
}

func (f *fakeTaskClient) Download(context.Context, string) ([]byte, string, error) {
	if f.download == nil {
		return nil, "", errors.New("qwen: download status 403")
	}
	return f.download, "image/png", nil
}

func (f *fakeTaskClient) HasCredentials() bool { return f.creds }
func (f *fakeTaskClient) Model() string        { return "qwen-image-plus" }

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memStore) Write(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = data
	return key, nil
}

func (m *memStore) URL(key string) string { return "https://cdn.test/" + key }

func TestQwenProviderLifecycle(t *testing.T) {
	client := &fakeTaskClient{creds: true, tasks: map[string]*qwen.Task{
		"task-1": {ID: "task-1", Status: qwen.TaskRunning},
	}, download: []byte{0x89, 'P', 'N', 'G'}}
	store := &memStore{}
	p := NewQwenProvider(client, store, nil, nil)

	h, err := p.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if h != "task-1" {
		t.Fatalf("handle = %q", h)
	}
	if len(client.submitted) != 1 || client.submitted[0].Seed <= 0 || client.submitted[0].NegativePrompt == "" {
		t.Fatalf("unexpected submission: %+v", client.submitted)
	}

	res, err := p.PollStatus(context.Background(), h)
	if err != nil || res.State != StatePending {
		t.Fatalf("poll = %+v err=%v, want pending", res, err)
	}

	client.tasks["task-1"] = &qwen.Task{ID: "task-1", Status: qwen.TaskSucceeded, ImageURLs: []string{"https://dashscope.test/out.png"}}
	res, err = p.PollStatus(context.Background(), h)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != StateSucceeded || res.ImageRef != "https://cdn.test/qwen/task-1.png" {
		t.Fatalf("poll = %+v", res)
	}
	if len(store.files["qwen/task-1.png"]) == 0 {
		t.Fatalf("image was not persisted")
	}
}

func TestQwenProviderKeepsRemoteURLWhenDownloadFails(t *testing.T) {
	client := &fakeTaskClient{creds: true, tasks: map[string]*qwen.Task{
		"task-1": {ID: "task-1", Status: qwen.TaskSucceeded, ImageURLs: []string{"https://dashscope.test/out.png"}},
	}}
	p := NewQwenProvider(client, &memStore{}, nil, nil)
	res, err := p.PollStatus(context.Background(), "task-1")
	if err != nil || res.ImageRef != "https://dashscope.test/out.png" {
		t.Fatalf("poll = %+v err=%v", res, err)
	}
}

func TestQwenProviderReportsFailure(t *testing.T) {
	client := &fakeTaskClient{creds: true, tasks: map[string]*qwen.Task{
		"task-1": {ID: "task-1", Status: qwen.TaskFailed, Code: "DataInspectionFailed", Message: "blocked"},
	}}
	p := NewQwenProvider(client, nil, nil, nil)
	res, err := p.PollStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != StateFailed || !strings.Contains(res.Message, "DataInspectionFailed") {
		t.Fatalf("poll = %+v", res)
	}
}

func TestQwenProviderFallsBackWithoutCredentials(t *testing.T) {
	synthetic := NewSyntheticProvider(SyntheticOptions{PollsUntilDone: 1, Size: 64})
	p := NewQwenProvider(&fakeTaskClient{}, nil, synthetic, nil)

	h, err := p.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(string(h), fallbackPrefix+"synthetic-") {
		t.Fatalf("handle = %q, want fallback handle", h)
	}
	res, _ := p.PollStatus(context.Background(), h)
	if res.State != StatePending {
		t.Fatalf("first poll = %v, want pending", res.State)
	}
	res, err = p.PollStatus(context.Background(), h)
	if err != nil || res.State != StateSucceeded || res.ImageRef == "" {
		t.Fatalf("second poll = %+v err=%v", res, err)
	}
}

func TestQwenProviderSurfacesSubmitErrors(t *testing.T) {
	boom := errors.New("qwen: status 500: internal error")
	synthetic := NewSyntheticProvider(SyntheticOptions{})
	p := NewQwenProvider(&fakeTaskClient{creds: true, submitErr: boom}, nil, synthetic, nil)
	if _, err := p.Generate(context.Background(), "a cat"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want submit error", err)
	}

	p = NewQwenProvider(&fakeTaskClient{creds: true, submitErr: errors.New("qwen: Unauthorized (InvalidApiKey)")}, nil, synthetic, nil)
	if _, err := p.Generate(context.Background(), "a cat"); err != nil {
		t.Fatalf("auth failure should fall back, got %v", err)
	}
}

func TestSyntheticProviderDeterministicImage(t *testing.T) {
	store := &memStore{}
	p := NewSyntheticProvider(SyntheticOptions{PollsUntilDone: 2, Size: 32, Store: store})
	h, err := p.Generate(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := p.PollStatus(context.Background(), h)
		if err != nil || res.State != StatePending {
			t.Fatalf("poll %d = %+v err=%v", i, res, err)
		}
	}
	res, err := p.PollStatus(context.Background(), h)
	if err != nil || res.State != StateSucceeded {
		t.Fatalf("final poll = %+v err=%v", res, err)
	}
	if !strings.HasPrefix(res.ImageRef, "https://cdn.test/synthetic/") {
		t.Fatalf("image ref = %q", res.ImageRef)
	}

	a := renderSyntheticImage(32, 32, promptSeed("a cat"))
	b := renderSyntheticImage(32, 32, promptSeed("a cat"))
	if string(a) != string(b) || len(a) == 0 {
		t.Fatalf("rendering must be deterministic")
	}
	if _, err := p.PollStatus(context.Background(), "bogus"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("bogus handle err = %v", err)
	}
}
