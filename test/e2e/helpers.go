//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/docqa/internal/testutil"
)

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	LLM        *fakeLLM
	BinaryDir  string
	ServerURL  string
	HTTPClient *http.Client

	server *exec.Cmd
	logs   *bytes.Buffer
}

// SetupE2EEnv starts Postgres, RustFS and a fake chat completion endpoint,
// builds both binaries and starts docqad serve against them.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()
	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		LLM:        newFakeLLM(),
	}
	t.Cleanup(env.Cleanup)

	env.PostgresC = testutil.NewPostgresContainer(ctx, t)
	env.RustFSC = testutil.NewRustFSContainer(ctx, t)
	env.BuildBinaries()

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	env.ServerURL = fmt.Sprintf("http://localhost:%d", port)

	env.logs = &bytes.Buffer{}
	env.server = exec.Command(filepath.Join(env.BinaryDir, "docqad"), "serve", "--port", fmt.Sprint(port))
	env.server.Env = env.Environ()
	env.server.Stdout = env.logs
	env.server.Stderr = env.logs
	if err := env.server.Start(); err != nil {
		t.Fatalf("failed to start docqad: %v", err)
	}
	env.waitForServer(30 * time.Second)

	return env
}

// Environ is the server environment shared by docqad subcommands.
func (e *E2ETestEnv) Environ() []string {
	migrations, _ := filepath.Abs("../../migrations")
	return append(os.Environ(),
		"DOCQA_VECTOR_STORE=postgres",
		"DOCQA_DATABASE_URL="+e.PostgresC.ConnectionString(),
		"DOCQA_MIGRATIONS_DIR="+migrations,
		"DOCQA_NAMESPACE=e2e",
		"DOCQA_EMBEDDING_PROVIDER=hashing",
		"DOCQA_EMBEDDING_DIMENSIONS=256",
		"DOCQA_RERANK_PROVIDER=lexical",
		"DOCQA_GENERATOR_PROVIDERS=openai",
		"DOCQA_OPENAI_API_KEY=sk-e2e",
		"DOCQA_OPENAI_BASE_URL="+e.LLM.URL()+"/v1",
		"DOCQA_PER_CALL_TIMEOUT=10s",
		"DOCQA_MAX_RETRIES=1",
		"DOCQA_S3_ENDPOINT="+e.RustFSC.Endpoint(),
		"DOCQA_S3_ACCESS_KEY_ID=rustfsadmin",
		"DOCQA_S3_SECRET_ACCESS_KEY=rustfsadmin",
		"DOCQA_S3_BUCKET=e2e-snapshots",
		"DOCQA_API_URL="+e.ServerURL,
	)
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.server != nil && e.server.Process != nil {
		_ = e.server.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = e.server.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = e.server.Process.Kill()
		}
		e.server = nil
	}
	if e.LLM != nil {
		e.LLM.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
		e.RustFSC = nil
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
		e.PostgresC = nil
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
		e.BinaryDir = ""
	}
}

// BuildBinaries builds the docqa and docqad binaries
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "docqa-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	for _, name := range []string{"docqad", "docqa"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, name), "./cmd/"+name)
		cmd.Dir = "../.."
		if out, err := cmd.CombinedOutput(); err != nil {
			e.T.Fatalf("failed to build %s: %v\n%s", name, err, out)
		}
	}
}

// RunDocqa runs the client CLI against the test server.
func (e *E2ETestEnv) RunDocqa(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "docqa"), args...)
	cmd.Env = append(os.Environ(), "DOCQA_API_URL="+e.ServerURL, "XDG_CONFIG_HOME="+e.T.TempDir())
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// RunDocqad runs a docqad subcommand against the test stores.
func (e *E2ETestEnv) RunDocqad(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "docqad"), args...)
	cmd.Env = e.Environ()
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	StatusCode int
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	Stage      string          `json:"stage,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	req, err := http.NewRequest(http.MethodGet, e.ServerURL+path, nil)
	if err != nil {
		return nil, err
	}
	return e.do(req)
}

// Query posts a question to /api/query
func (e *E2ETestEnv) Query(question string) (*APIResponse, error) {
	body, _ := json.Marshal(map[string]string{"query": question})
	req, err := http.NewRequest(http.MethodPost, e.ServerURL+"/api/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

// UploadRaw posts content as the raw request body with X-Filename.
func (e *E2ETestEnv) UploadRaw(filename string, content []byte) (*APIResponse, error) {
	req, err := http.NewRequest(http.MethodPost, e.ServerURL+"/api/upload", bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Filename", filename)
	return e.do(req)
}

func (e *E2ETestEnv) do(req *http.Request) (*APIResponse, error) {
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	apiResp := &APIResponse{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (%d): %s", resp.StatusCode, raw)
	}
	return apiResp, nil
}

func (e *E2ETestEnv) waitForServer(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(e.ServerURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	e.T.Fatalf("server did not start within %v\n%s", timeout, e.logs.String())
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// fakeLLM answers chat completions with a canned reply and records prompts.
type fakeLLM struct {
	srv *httptest.Server

	mu      sync.Mutex
	reply   string
	prompts []string
}

func newFakeLLM() *fakeLLM {
	f := &fakeLLM{reply: "Refunds are accepted within 30 days of purchase [1]."}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeLLM) URL() string { return f.srv.URL }

func (f *fakeLLM) Close() { f.srv.Close() }

func (f *fakeLLM) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeLLM) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	for _, m := range req.Messages {
		if m.Role == "user" {
			f.prompts = append(f.prompts, m.Content)
		}
	}
	reply := f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-e2e",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": reply},
		}},
	})
}
