package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

const maxBodyBytes = 1 << 20

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Kind    string `json:"kind,omitempty"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an error to a status code through the error taxonomy.
func (g *Gateway) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		g.logger.Error("request failed", "error", err)
	}
	var resp errorResponse
	resp.Error.Message = err.Error()
	resp.Error.Code = status
	if kind := conversation.KindOf(err); kind != 0 {
		resp.Error.Kind = kind.String()
	}
	g.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, copilot.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, copilot.ErrRunAlreadyComplete):
		return http.StatusConflict
	}
	switch conversation.KindOf(err) {
	case conversation.KindValidation:
		return http.StatusBadRequest
	case conversation.KindNotFound:
		return http.StatusNotFound
	case conversation.KindPolicy:
		return http.StatusForbidden
	case conversation.KindInfrastructure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeBody reads an optional JSON body into v. An empty body is accepted.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          g.version,
		"uptime_seconds":   int(time.Since(g.startedAt).Seconds()),
		"active_subagents": g.orch.Subagents().ActiveCount(),
	})
}

// ---------- Conversations ----------

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !g.decodeBody(w, r, &req) {
		return
	}
	conv, err := g.orch.NewConversation(r.Context(), req.Title)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, conv)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := g.orch.Conversations(r.Context())
	if err != nil {
		g.writeErr(w, err)
		return
	}
	if list == nil {
		list = []conversation.Summary{}
	}
	g.writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.orch.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.orch.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSendMessage queues user input. With "wait": true the request
// returns after the turn when the conversation was idle; otherwise it
// returns 202 immediately.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Content string `json:"content"`
		Wait    bool   `json:"wait"`
	}
	if !g.decodeBody(w, r, &req) {
		return
	}
	if !req.Wait {
		if err := g.orch.Submit(id, req.Content); err != nil {
			g.writeErr(w, err)
			return
		}
		g.writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}
	if err := g.orch.SendMessage(r.Context(), id, req.Content); err != nil {
		g.writeErr(w, err)
		return
	}
	conv, err := g.orch.Conversation(r.Context(), id)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": g.orch.CancelTurn(r.PathValue("id"))})
}

func (g *Gateway) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		g.writeError(w, "message_id is required", http.StatusBadRequest)
		return
	}
	res, err := g.orch.Regenerate(r.Context(), r.PathValue("id"), req.MessageID, req.Content)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleListBranches(w http.ResponseWriter, r *http.Request) {
	refs, err := g.orch.Branches(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	if refs == nil {
		refs = []conversation.BranchRef{}
	}
	g.writeJSON(w, http.StatusOK, refs)
}

func (g *Gateway) handleSendToBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !g.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.writeError(w, "content is required", http.StatusBadRequest)
		return
	}
	res, err := g.orch.SendToBranch(r.Context(), r.PathValue("id"), r.PathValue("branch"), req.Content)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// ---------- Sub-agents ----------

type subagentRequest struct {
	Task               string   `json:"task"`
	MessageID          string   `json:"message_id"`
	Persona            string   `json:"persona"`
	ContextFiles       []string `json:"context_files"`
	IncludeToolSchemas bool     `json:"include_tool_schemas"`
	MaxIterations      int      `json:"max_iterations"`
	Model              string   `json:"model"`
	Message            string   `json:"message"`
}

func (req subagentRequest) options() copilot.SubagentOptions {
	return copilot.SubagentOptions{
		MaxIterations:      req.MaxIterations,
		Persona:            req.Persona,
		ContextFiles:       req.ContextFiles,
		IncludeToolSchemas: req.IncludeToolSchemas,
		Model:              req.Model,
		Message:            req.Message,
	}
}

func (g *Gateway) handleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	var req subagentRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	// The run outlives the request.
	ctx := context.WithoutCancel(r.Context())
	runID, err := g.orch.SpawnSubagent(ctx, r.PathValue("id"), req.MessageID, req.Task, req.options())
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (g *Gateway) handleListSubagents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	conv := r.URL.Query().Get("conversation")
	runs := []*copilot.SubagentRun{}
	for _, run := range g.orch.Subagents().List() {
		if status != "" && string(run.Status) != status {
			continue
		}
		if conv != "" && run.ConversationID != conv {
			continue
		}
		runs = append(runs, run)
	}
	g.writeJSON(w, http.StatusOK, runs)
}

func (g *Gateway) handleGetSubagent(w http.ResponseWriter, r *http.Request) {
	run, ok := g.orch.Subagents().Get(r.PathValue("id"))
	if !ok {
		g.writeErr(w, copilot.ErrRunNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, run)
}

func (g *Gateway) handleCancelSubagent(w http.ResponseWriter, r *http.Request) {
	if err := g.orch.CancelSubagent(r.PathValue("id")); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (g *Gateway) handleContinueSubagent(w http.ResponseWriter, r *http.Request) {
	run, ok := g.orch.Subagents().Get(r.PathValue("id"))
	if !ok {
		g.writeErr(w, copilot.ErrRunNotFound)
		return
	}
	var req subagentRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	runID, err := g.orch.ContinueSubagent(ctx, run.ConversationID, run.BranchID, req.options())
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// ---------- Tools ----------

// handleListTools lists the operations external callers may invoke.
func (g *Gateway) handleListTools(w http.ResponseWriter, _ *http.Request) {
	registry := g.orch.Registry()
	out := []copilot.ToolSchema{}
	for _, s := range registry.Schemas(nil) {
		area, name, _ := copilot.SplitToolName(s.Name)
		if op, ok := registry.Lookup(area, name); ok && !op.Internal {
			out = append(out, s)
		}
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleInvokeTool runs one operation as an external caller. The body is
// the argument object.
func (g *Gateway) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if !g.decodeBody(w, r, &args) {
		return
	}
	ctx := copilot.ContextWithCaller(r.Context(), copilot.CallerExternal)
	res := g.orch.Registry().Invoke(ctx, r.PathValue("area"), r.PathValue("op"), args)

	status := http.StatusOK
	if !res.Success {
		switch res.Code {
		case conversation.KindValidation.String():
			status = http.StatusBadRequest
		case conversation.KindNotFound.String():
			status = http.StatusNotFound
		case conversation.CodeInternalTool:
			status = http.StatusForbidden
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	g.writeJSON(w, status, res)
}
