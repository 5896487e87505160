// Package copilot – tool_registry.go keeps the table of capability areas and
// their operations. Operations are resolved by (area, operation) at
// registration time and every invocation passes a JSON schema gate before
// the handler runs.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// ToolHandler executes one operation with validated arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Operation is a named, schema-validated operation inside a capability area.
type Operation struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema for the argument object
	Handler     ToolHandler

	// Internal operations may only be invoked by the agent loop itself.
	Internal bool
}

// ToolSchema is the model-facing description of an operation.
type ToolSchema struct {
	Name        string          `json:"name"` // "area.operation"
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Caller identifies who is invoking a tool.
type Caller int

const (
	CallerAgent Caller = iota
	CallerExternal
)

type ctxKeyCaller struct{}

// ContextWithCaller returns a context carrying the tool caller.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, c)
}

// CallerFromContext returns the caller, defaulting to CallerAgent.
func CallerFromContext(ctx context.Context) Caller {
	if v, ok := ctx.Value(ctxKeyCaller{}).(Caller); ok {
		return v
	}
	return CallerAgent
}

type registeredOperation struct {
	area   string
	op     Operation
	schema *gojsonschema.Schema
	raw    json.RawMessage
}

// ToolRegistry maps capability areas to operations. It holds no
// conversation state and is safe for concurrent use.
type ToolRegistry struct {
	mu     sync.RWMutex
	areas  map[string]map[string]*registeredOperation
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		areas:  make(map[string]map[string]*registeredOperation),
		logger: logger.With("component", "tool-registry"),
	}
}

// Register adds op under area, compiling its parameter schema once.
func (r *ToolRegistry) Register(area string, op Operation) error {
	if area == "" || op.Name == "" {
		return fmt.Errorf("register tool: area and operation name are required")
	}
	if strings.ContainsAny(area, ".") || strings.ContainsAny(op.Name, ".") {
		return fmt.Errorf("register tool %s.%s: names must not contain '.'", area, op.Name)
	}
	if op.Handler == nil {
		return fmt.Errorf("register tool %s.%s: handler is required", area, op.Name)
	}
	params := op.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("register tool %s.%s: marshal schema: %w", area, op.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("register tool %s.%s: compile schema: %w", area, op.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ops, ok := r.areas[area]
	if !ok {
		ops = make(map[string]*registeredOperation)
		r.areas[area] = ops
	}
	if _, dup := ops[op.Name]; dup {
		return fmt.Errorf("register tool %s.%s: already registered", area, op.Name)
	}
	ops[op.Name] = &registeredOperation{area: area, op: op, schema: schema, raw: raw}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *ToolRegistry) MustRegister(area string, ops ...Operation) {
	for _, op := range ops {
		if err := r.Register(area, op); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the operation registered under (area, name).
func (r *ToolRegistry) Lookup(area, name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.areas[area][name]; ok {
		return reg.op, true
	}
	return Operation{}, false
}

// Areas returns the registered capability areas, sorted.
func (r *ToolRegistry) Areas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.areas))
	for a := range r.areas {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Schemas returns the schemas of all operations accepted by filter (nil
// accepts everything), sorted by name.
func (r *ToolRegistry) Schemas(filter func(name string) bool) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolSchema
	for area, ops := range r.areas {
		for name, reg := range ops {
			full := ToolName(area, name)
			if filter != nil && !filter(full) {
				continue
			}
			out = append(out, ToolSchema{
				Name:        full,
				Description: reg.op.Description,
				Parameters:  reg.raw,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InvokeName dispatches a call by its "area.operation" name.
func (r *ToolRegistry) InvokeName(ctx context.Context, name string, args map[string]any) conversation.ToolResult {
	area, op, ok := SplitToolName(name)
	if !ok {
		return failedResult(conversation.NotFound("invoke", "unknown tool %q", name), time.Now())
	}
	return r.Invoke(ctx, area, op, args)
}

// Invoke validates args and runs the operation. It never panics or returns
// an error: failures come back as a result with Success=false and a Code of
// NOT_FOUND, VALIDATION, POLICY_VIOLATION or EXECUTION.
func (r *ToolRegistry) Invoke(ctx context.Context, area, name string, args map[string]any) (result conversation.ToolResult) {
	start := time.Now()

	r.mu.RLock()
	reg, ok := r.areas[area][name]
	r.mu.RUnlock()
	if !ok {
		return failedResult(conversation.NotFound("invoke", "unknown tool %s", ToolName(area, name)), start)
	}

	if reg.op.Internal && CallerFromContext(ctx) == CallerExternal {
		return failedResult(conversation.Policy("invoke", conversation.CodeInternalTool,
			"%s is only available to the agent", ToolName(area, name)), start)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(reg.schema, args); err != nil {
		return failedResult(conversation.Validation(ToolName(area, name), "%v", err), start)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", ToolName(area, name), "panic", p)
			result = failedResult(conversation.Execution(ToolName(area, name), fmt.Errorf("panic: %v", p)), start)
		}
	}()

	data, err := reg.op.Handler(ctx, args)
	if err != nil {
		var cerr *conversation.Error
		if !errors.As(err, &cerr) {
			cerr = conversation.Execution(ToolName(area, name), err)
		}
		r.logger.Debug("tool failed", "tool", ToolName(area, name), "error", err)
		return failedResult(cerr, start)
	}

	return conversation.ToolResult{
		Success:    true,
		Data:       data,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, len(res.Errors()))
	for i, e := range res.Errors() {
		msgs[i] = e.String()
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

func failedResult(err *conversation.Error, start time.Time) conversation.ToolResult {
	code := err.Kind.String()
	if err.Code != "" {
		code = err.Code
	}
	return conversation.ToolResult{
		Success:    false,
		Error:      err.Error(),
		Code:       code,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// ToolName joins an area and operation into the logical tool name.
func ToolName(area, op string) string {
	return area + "." + op
}

// SplitToolName splits "area.operation".
func SplitToolName(name string) (area, op string, ok bool) {
	area, op, ok = strings.Cut(name, ".")
	if !ok || area == "" || op == "" {
		return "", "", false
	}
	return area, op, true
}

// wireToolName encodes a logical name for providers that only accept
// [a-zA-Z0-9_-] in tool names.
func wireToolName(name string) string {
	return strings.Replace(name, ".", "__", 1)
}

// logicalToolName reverses wireToolName.
func logicalToolName(wire string) string {
	return strings.Replace(wire, "__", ".", 1)
}

// formatToolOutput renders a result the way it is shown to the model.
func formatToolOutput(res *conversation.ToolResult) string {
	if res == nil {
		return "Error: no result"
	}
	if !res.Success {
		return "Error: " + res.Error
	}
	switch v := res.Data.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
