// Package mcp exposes the orchestrator operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
	"github.com/t77yq/automation-orchestrator/internal/orchestrator"
)

// Server registers the automation tools on an MCP server
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	mcp    *server.MCPServer
}

// NewServer creates the MCP server with every tool registered
func NewServer(orch *orchestrator.Orchestrator, name, version string, logger *zap.Logger) *Server {
	s := &Server{
		orch:   orch,
		logger: logger.Named("mcp"),
		mcp: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("automation_status",
		mcp.WithDescription("Return the aggregate automation metrics and the most recent executions"),
		mcp.WithNumber("logs",
			mcp.Description("Number of recent executions to include, default 50"),
			mcp.Min(0),
		),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("automation_list_tasks",
		mcp.WithDescription("List the registered automation tasks"),
		mcp.WithString("status",
			mcp.Description("Only list tasks with this status"),
			mcp.Enum(string(model.TaskStatusActive), string(model.TaskStatusPaused), string(model.TaskStatusError)),
		),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("automation_start",
		mcp.WithDescription("Start the scheduler and the health monitor"),
	), s.handleStart)

	s.mcp.AddTool(mcp.NewTool("automation_stop",
		mcp.WithDescription("Stop scheduling. In-flight executions finish."),
	), s.handleStop)

	s.mcp.AddTool(mcp.NewTool("automation_enable_task",
		mcp.WithDescription("Enable a task and arm its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleSetEnabled(true))

	s.mcp.AddTool(mcp.NewTool("automation_disable_task",
		mcp.WithDescription("Disable a task and remove its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleSetEnabled(false))

	s.mcp.AddTool(mcp.NewTool("automation_run_task",
		mcp.WithDescription("Trigger a task immediately"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	s.mcp.AddTool(mcp.NewTool("automation_health_check",
		mcp.WithDescription("Run a health check now, restarting errored tasks when health is below the threshold"),
	), s.handleHealthCheck)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logN := mcp.ParseInt(request, "logs", orchestrator.DefaultLogTail)
	return jsonResult(s.orch.Status(logN))
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := model.TaskStatus(mcp.ParseString(request, "status", ""))
	tasks := s.orch.Tasks(status)
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Name)
		fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule)
		fmt.Fprintf(&b, "  Endpoint: %s\n", t.Endpoint)
		fmt.Fprintf(&b, "  Priority: %s  Enabled: %t\n", t.Priority, t.Enabled)
		fmt.Fprintf(&b, "  Success: %d  Errors: %d  Total failures: %d\n", t.SuccessCount, t.ErrorCount, t.TotalFailures)
		if t.NextRun != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", t.NextRun.UTC().Format("2006-01-02 15:04:05"))
		}
		if t.LastError != "" {
			fmt.Fprintf(&b, "  Last error: %s\n", t.LastError)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started, err := s.orch.Start(ctx)
	if err != nil {
		s.logger.Error("start orchestrator", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start automation: %v", err)), nil
	}
	if !started {
		return mcp.NewToolResultText("Automation system already running"), nil
	}
	return mcp.NewToolResultText("Automation system started"), nil
}

func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.orch.Stop() {
		return mcp.NewToolResultText("Automation system already stopped"), nil
	}
	return mcp.NewToolResultText("Automation system stopped"), nil
}

func (s *Server) handleSetEnabled(enabled bool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		task, err := s.orch.SetEnabled(taskID, enabled)
		if err != nil {
			if orchestrator.IsNotFound(err) {
				return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update task: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %s is now %s", task.ID, task.Status)), nil
	}
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if err := s.orch.RunTask(ctx, taskID); err != nil {
		if orchestrator.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s triggered", taskID)), nil
}

func (s *Server) handleHealthCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.HealthCheck(ctx))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
