package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"taskflow/internal/core"
)

// MCPServer exposes the engine as MCP tools.
type MCPServer struct {
	engine *core.Engine
	server *server.MCPServer
	logger zerolog.Logger
	tools  int
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(engine *core.Engine, version string, logger zerolog.Logger) *MCPServer {
	s := &MCPServer{
		engine: engine,
		server: server.NewMCPServer("taskflow", version, server.WithToolCapabilities(true)),
		logger: logger,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info().Msg("mcp server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns a streamable HTTP transport for mounting on a router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.addTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a scheduled task. trigger_type is one of cron, interval, date, event, condition, startup."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Registered action name, e.g. print or run_command")),
		mcp.WithString("trigger_type", mcp.Required(),
			mcp.Enum("cron", "interval", "date", "event", "condition", "startup"),
		),
		mcp.WithObject("trigger_config", mcp.Description("Trigger settings, e.g. {\"expression\": \"0 9 * * 1-5\"} or {\"minutes\": 15}")),
		mcp.WithObject("action_params", mcp.Description("Parameters passed to the action")),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithNumber("max_runs", mcp.Description("Disable the task after this many executions"), mcp.Min(0)),
		mcp.WithBoolean("retry_on_fail", mcp.Description("Retry failed executions, default true")),
		mcp.WithArray("tags", mcp.Description("Tags for filtering"), mcp.WithStringItems()),
		mcp.WithArray("dependencies", mcp.Description("Task ids executed before this task"), mcp.WithStringItems()),
	), s.handleCreateTask)

	s.addTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks"),
		mcp.WithBoolean("enabled_only", mcp.Description("Only return enabled tasks")),
		mcp.WithArray("tags", mcp.Description("Return tasks carrying any of these tags"), mcp.WithStringItems()),
	), s.handleListTasks)

	for _, tool := range []struct {
		name, description string
		handler           server.ToolHandlerFunc
	}{
		{"task_get", "Get a task by id", s.handleGetTask},
		{"task_delete", "Delete a task", s.handleDeleteTask},
		{"task_enable", "Enable a task and schedule it", s.handleEnableTask},
		{"task_disable", "Disable a task and unschedule it", s.handleDisableTask},
		{"task_run", "Execute a task immediately and return its result", s.handleRunTask},
		{"task_stats", "Summarise the execution history of a task", s.handleTaskStats},
	} {
		s.addTool(mcp.NewTool(tool.name,
			mcp.WithDescription(tool.description),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		), tool.handler)
	}

	s.addTool(mcp.NewTool("event_emit",
		mcp.WithDescription("Emit an event to every subscribed task"),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name")),
		mcp.WithObject("data", mcp.Description("Event data passed to the actions as event_data")),
	), s.handleEmitEvent)

	s.addTool(mcp.NewTool("workflow_list",
		mcp.WithDescription("List workflows"),
	), s.handleListWorkflows)

	s.addTool(mcp.NewTool("workflow_run",
		mcp.WithDescription("Run a workflow and return the step results"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
	), s.handleRunWorkflow)

	s.addTool(mcp.NewTool("trigger_preview",
		mcp.WithDescription("Preview the next firing times of a trigger definition"),
		mcp.WithString("trigger_type", mcp.Required(), mcp.Enum("cron", "interval", "date")),
		mcp.WithObject("trigger_config", mcp.Required(), mcp.Description("Trigger settings")),
		mcp.WithNumber("count", mcp.Description("Number of firing times, default 5"), mcp.Min(1), mcp.Max(10)),
	), s.handlePreview)

	s.logger.Debug().Int("count", s.tools).Msg("mcp tools registered")
}

func (s *MCPServer) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.server.AddTool(tool, handler)
	s.tools++
}

// ToolCount returns how many tools are registered.
func (s *MCPServer) ToolCount() int { return s.tools }

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec := core.TaskSpec{
		Name:          mcp.ParseString(request, "name", ""),
		Description:   mcp.ParseString(request, "description", ""),
		TriggerType:   core.TriggerType(mcp.ParseString(request, "trigger_type", "")),
		TriggerConfig: mcp.ParseStringMap(request, "trigger_config", map[string]any{}),
		Action:        mcp.ParseString(request, "action", ""),
		ActionParams:  mcp.ParseStringMap(request, "action_params", map[string]any{}),
		Tags:          stringList(mcp.ParseArgument(request, "tags", nil)),
		Dependencies:  stringList(mcp.ParseArgument(request, "dependencies", nil)),
	}
	args := request.GetArguments()
	if _, ok := args["max_runs"]; ok {
		maxRuns := int(mcp.ParseFloat64(request, "max_runs", 0))
		spec.MaxRuns = &maxRuns
	}
	if _, ok := args["retry_on_fail"]; ok {
		retry := mcp.ParseBoolean(request, "retry_on_fail", true)
		spec.RetryOnFail = &retry
	}

	id, err := s.engine.CreateTask(spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	task, _ := s.engine.GetTask(id)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s", id, formatTime(task.NextRun))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks := s.engine.ListTasks(mcp.ParseBoolean(request, "enabled_only", false), stringList(mcp.ParseArgument(request, "tags", nil))...)
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s [%s]\n", t.ID, state)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Trigger: %s\n", t.TriggerType)
		fmt.Fprintf(&b, "  Action: %s\n", t.Action)
		fmt.Fprintf(&b, "  Runs: %d\n", t.RunCount)
		if t.NextRun != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", formatTime(t.NextRun))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, ok := s.engine.GetTask(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return jsonResult(task)
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if !s.engine.RemoveTask(taskID) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if !s.engine.EnableTask(taskID) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task enabled: %s", taskID)), nil
}

func (s *MCPServer) handleDisableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if !s.engine.DisableTask(taskID) {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task disabled: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	result, err := s.engine.RunTask(ctx, taskID)
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("run task failed: %v", err)), nil
	case result == nil:
		return mcp.NewToolResultError(fmt.Sprintf("task %s was not executed", taskID)), nil
	}
	return jsonResult(result)
}

func (s *MCPServer) handleTaskStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	stats, ok := s.engine.TaskStats(taskID)
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("No executions recorded for %s", taskID)), nil
	}
	return jsonResult(stats)
}

func (s *MCPServer) handleEmitEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	event := strings.TrimSpace(mcp.ParseString(request, "event", ""))
	if event == "" {
		return mcp.NewToolResultError("event is required"), nil
	}
	results := s.engine.EmitEvent(ctx, event, mcp.ParseArgument(request, "data", nil))
	if len(results) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No subscribers executed for %s", event)), nil
	}
	return jsonResult(results)
}

func (s *MCPServer) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows := s.engine.ListWorkflows()
	if len(workflows) == 0 {
		return mcp.NewToolResultText("No workflows found"), nil
	}
	return jsonResult(workflows)
}

func (s *MCPServer) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := mcp.ParseString(request, "workflow_id", "")
	if _, ok := s.engine.GetWorkflow(workflowID); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %s", workflowID)), nil
	}
	return jsonResult(s.engine.RunWorkflow(ctx, workflowID))
}

func (s *MCPServer) handlePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggerType := core.TriggerType(mcp.ParseString(request, "trigger_type", ""))
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := s.engine.PreviewTrigger(triggerType, mcp.ParseStringMap(request, "trigger_config", nil), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid trigger: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trigger: %s\n", triggerType)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.engine.Location())
	b.WriteString("Next firing times:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		if list, ok := raw.([]string); ok {
			return list
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
