// Package gateway is the thin HTTP transport layer in front of
// agentservice: task submission/status/progress/cancel, a streaming
// subscription endpoint, and session-scoped sandbox RPCs. It translates
// HTTP verbs into agentservice/sandbox calls and nothing more — no
// business logic lives here.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/coreagent/platform/agents/runtime/agentservice"
	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/command"
	"github.com/coreagent/platform/agents/runtime/durable"
	"github.com/coreagent/platform/agents/runtime/workspace"
)

// Server wires agentservice and the session workspace's file/command RPCs
// behind a chi.Router.
type Server struct {
	Service   *agentservice.Service
	Workspace *workspace.Manager

	router chi.Router
}

// Options configures a new Server.
type Options struct {
	Service        *agentservice.Service
	Workspace      *workspace.Manager
	AllowedOrigins []string
}

// New builds a Server with its full route table mounted.
func New(opts Options) *Server {
	s := &Server{Service: opts.Service, Workspace: opts.Workspace}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Get("/{taskID}", s.getTaskStatus)
		r.Get("/{taskID}/progress", s.getTaskProgress)
		r.Delete("/{taskID}", s.cancelTask)
		r.Get("/{taskID}/stream", s.streamTask)
	})

	r.Route("/sandbox/{sessionID}", func(r chi.Router) {
		r.Post("/files/read", s.sandboxFileRead)
		r.Post("/files/write", s.sandboxFileWrite)
		r.Post("/files/list", s.sandboxFileList)
		r.Post("/commands", s.sandboxExecuteCommand)
	})

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler, delegating to the mounted router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindPermission:
		status = http.StatusForbidden
	case apperrors.KindResource:
		status = http.StatusTooManyRequests
	case apperrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case apperrors.KindAvailability:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type taskSubmission struct {
	Prompt       string         `json:"prompt"`
	SessionID    string         `json:"session_id,omitempty"`
	TaskType     string         `json:"task_type"`
	Model        string         `json:"model,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type taskResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	TaskType  string `json:"task_type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body taskSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("invalid request body", err))
		return
	}

	taskContext := map[string]any{}
	if len(body.Tools) > 0 {
		toolList := make([]any, len(body.Tools))
		for i, t := range body.Tools {
			toolList[i] = t
		}
		taskContext["available_tools"] = toolList
	}
	for k, v := range body.Metadata {
		taskContext[k] = v
	}
	if body.SystemPrompt != "" {
		taskContext["system_prompt"] = body.SystemPrompt
	}

	handle, err := s.Service.Submit(r.Context(), agentservice.Task{
		ID:       uuid.NewString(),
		Session:  body.SessionID,
		Query:    body.Prompt,
		Strategy: agentservice.Strategy(body.TaskType),
		Context:  taskContext,
		Caps:     durable.TaskCaps{TokenBudget: body.MaxTokens},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{
		TaskID:    handle.TaskID,
		Status:    string(handle.State),
		TaskType:  body.TaskType,
		SessionID: body.SessionID,
	})
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	handle, err := s.Service.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: handle.TaskID, Status: string(handle.State)})
}

func (s *Server) getTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	handle, err := s.Service.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": handle.TaskID,
		"percent": handle.Progress,
		"step":    handle.Status,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	handle, err := s.Service.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if handle.State != durable.StatePending && handle.State != durable.StateRunning {
		writeError(w, apperrors.Validation("task is not in a cancellable state", nil))
		return
	}
	if err := s.Service.Cancel(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(durable.StateCancelled)})
}

func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	sub, err := s.Service.Stream(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("streaming unsupported by this response writer", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	seq := 0
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			seq++
			payload, _ := json.Marshal(map[string]any{"id": seq, "seq": seq, "event": evt})
			_, _ = w.Write(append(append([]byte("data: "), payload...), '\n', '\n'))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type fileReadRequest struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

func (s *Server) sandboxFileRead(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body fileReadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("invalid request body", err))
		return
	}

	root, err := s.Workspace.GetWorkspace(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := command.ResolvePath(root, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(target)
	if err != nil {
		writeError(w, apperrors.Validation("failed to read file", err))
		return
	}
	if body.MaxBytes > 0 && len(data) > body.MaxBytes {
		data = data[:body.MaxBytes]
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(data)})
}

type fileWriteRequest struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Append     bool   `json:"append"`
	CreateDirs bool   `json:"create_dirs"`
}

func (s *Server) sandboxFileWrite(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body fileWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("invalid request body", err))
		return
	}

	root, err := s.Workspace.GetWorkspace(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	var target string
	if body.CreateDirs {
		target, err = command.ResolvePathAllowingMissing(root, body.Path)
	} else {
		target, err = command.ResolvePath(root, body.Path)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if body.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			writeError(w, apperrors.Internal("failed to create parent directories", err))
			return
		}
	}
	flags := os.O_WRONLY | os.O_CREATE
	if body.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		writeError(w, apperrors.Validation("failed to open file for write", err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(body.Content); err != nil {
		writeError(w, apperrors.Internal("failed to write file", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fileListRequest struct {
	Path string `json:"path"`
}

func (s *Server) sandboxFileList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body fileListRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("invalid request body", err))
		return
	}

	root, err := s.Workspace.GetWorkspace(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	line := "ls"
	if body.Path != "" {
		line = "ls " + body.Path
	}
	cmd, err := command.Parse(line)
	if err != nil {
		writeError(w, apperrors.Validation("invalid path", err))
		return
	}
	result, err := command.Execute(root, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n")
	if len(entries) == 1 && entries[0] == "" {
		entries = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "exit_code": result.ExitCode, "stderr": result.Stderr})
}

type executeCommandRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *Server) sandboxExecuteCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body executeCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Validation("invalid request body", err))
		return
	}

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	root, err := s.Workspace.GetWorkspace(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	cmd, err := command.Parse(body.Command)
	if err != nil {
		writeError(w, apperrors.Validation("invalid command", err))
		return
	}

	type execOutcome struct {
		result command.Result
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := command.Execute(root, cmd)
		done <- execOutcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			writeError(w, out.err)
			return
		}
		writeJSON(w, http.StatusOK, out.result)
	case <-ctx.Done():
		writeError(w, apperrors.Timeout("command execution deadline exceeded", ctx.Err()))
	}
}
