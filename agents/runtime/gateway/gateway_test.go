package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/agentservice"
	"github.com/coreagent/platform/agents/runtime/durable"
	"github.com/coreagent/platform/agents/runtime/enforcer"
	"github.com/coreagent/platform/agents/runtime/eventlog"
	"github.com/coreagent/platform/agents/runtime/gateway"
	"github.com/coreagent/platform/agents/runtime/llm"
	"github.com/coreagent/platform/agents/runtime/telemetry"
	"github.com/coreagent/platform/agents/runtime/workflowstore"
	"github.com/coreagent/platform/agents/runtime/workspace"
)

type stubLLM struct{ reply string }

func (s *stubLLM) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{Content: s.reply}, nil
}

func newTestServer(t *testing.T) *gateway.Server {
	t.Helper()
	logStore, err := eventlog.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })

	wfStore, err := workflowstore.OpenSQLite(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = wfStore.Close() })

	eng := durable.New(durable.Options{Log: logStore, Store: wfStore, LLM: &stubLLM{reply: "hi there"}})
	svc := agentservice.New(agentservice.Options{
		Durable:  eng,
		Enforcer: enforcer.New(enforcer.Config{PerRequestMaxTokens: 10000}),
	})

	ws, err := workspace.New(t.TempDir(), telemetry.NewNoopLogger())
	require.NoError(t, err)

	return gateway.New(gateway.Options{Service: svc, Workspace: ws})
}

func TestSubmitTaskReturnsAcceptedWithTaskID(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"prompt": "hello", "task_type": "complex"})
	req := httptest.NewRequest(http.MethodPost, "/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])
}

func TestSubmitTaskRejectsUnknownTaskType(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"prompt": "hello", "task_type": "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskStatusReflectsCompletion(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"prompt": "hello", "task_type": "complex"})
	submitReq := httptest.NewRequest(http.MethodPost, "/tasks/", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	srv.ServeHTTP(submitRec, submitReq)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))
	taskID := submitResp["task_id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var statusResp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusResp))
		if statusResp["status"] == "completed" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not complete in time")
}

func TestCancelTaskOnUnknownIDReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/tasks/nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSandboxFileWriteThenReadRoundTrips(t *testing.T) {
	srv := newTestServer(t)

	writeBody, _ := json.Marshal(map[string]any{"path": "notes.txt", "content": "hello sandbox"})
	writeReq := httptest.NewRequest(http.MethodPost, "/sandbox/session-a/files/write", bytes.NewReader(writeBody))
	writeRec := httptest.NewRecorder()
	srv.ServeHTTP(writeRec, writeReq)
	require.Equal(t, http.StatusOK, writeRec.Code)

	readBody, _ := json.Marshal(map[string]any{"path": "notes.txt"})
	readReq := httptest.NewRequest(http.MethodPost, "/sandbox/session-a/files/read", bytes.NewReader(readBody))
	readRec := httptest.NewRecorder()
	srv.ServeHTTP(readRec, readReq)
	require.Equal(t, http.StatusOK, readRec.Code)

	var readResp map[string]string
	require.NoError(t, json.Unmarshal(readRec.Body.Bytes(), &readResp))
	require.Equal(t, "hello sandbox", readResp["content"])
}

func TestSandboxFileReadRejectsPathTraversal(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"path": "../../../../etc/passwd"})
	req := httptest.NewRequest(http.MethodPost, "/sandbox/session-b/files/read", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSandboxFileReadRejectsSymlinkEscape(t *testing.T) {
	srv := newTestServer(t)

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("do not leak"), 0o644))

	sessionDir, err := srv.Workspace.GetWorkspace(context.Background(), "session-f")
	require.NoError(t, err)
	require.NoError(t, os.Symlink(secret, filepath.Join(sessionDir, "escape.txt")))

	body, _ := json.Marshal(map[string]any{"path": "escape.txt"})
	req := httptest.NewRequest(http.MethodPost, "/sandbox/session-f/files/read", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSandboxFileWriteRejectsSymlinkEscape(t *testing.T) {
	srv := newTestServer(t)

	outside := t.TempDir()

	sessionDir, err := srv.Workspace.GetWorkspace(context.Background(), "session-g")
	require.NoError(t, err)
	require.NoError(t, os.Symlink(outside, filepath.Join(sessionDir, "escape-dir")))

	body, _ := json.Marshal(map[string]any{"path": "escape-dir/planted.txt", "content": "x"})
	req := httptest.NewRequest(http.MethodPost, "/sandbox/session-g/files/write", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	_, statErr := os.Stat(filepath.Join(outside, "planted.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestSandboxFileListReturnsWrittenEntry(t *testing.T) {
	srv := newTestServer(t)
	writeBody, _ := json.Marshal(map[string]any{"path": "a.txt", "content": "x"})
	writeReq := httptest.NewRequest(http.MethodPost, "/sandbox/session-c/files/write", bytes.NewReader(writeBody))
	writeRec := httptest.NewRecorder()
	srv.ServeHTTP(writeRec, writeReq)
	require.Equal(t, http.StatusOK, writeRec.Code)

	listReq := httptest.NewRequest(http.MethodPost, "/sandbox/session-c/files/list", bytes.NewReader([]byte(`{}`)))
	listRec := httptest.NewRecorder()
	srv.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listResp map[string]any
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listResp))
	entries, ok := listResp["entries"].([]any)
	require.True(t, ok)
	require.Contains(t, entries, "a.txt")
}

func TestSandboxExecuteCommandRunsWhitelistedCommand(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"command": "echo hello"})
	req := httptest.NewRequest(http.MethodPost, "/sandbox/session-d/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello\n", resp["Stdout"])
}

func TestSandboxExecuteCommandRejectsMetacharacters(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"command": "ls | rm -rf /"})
	req := httptest.NewRequest(http.MethodPost, "/sandbox/session-e/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
