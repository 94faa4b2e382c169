// Package server wires the tool dispatcher into an MCP server and
// exposes it over the stdio and SSE transports.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/felixgeelhaar/foreman/internal/dispatch"
	"github.com/felixgeelhaar/foreman/internal/engine"
	foremanerrors "github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/health"
	"github.com/felixgeelhaar/foreman/internal/log"
	"github.com/felixgeelhaar/foreman/internal/tools"
)

const serverName = "foreman"

// Server hosts the tool vocabulary over both transports.
type Server struct {
	mcp        *mcpserver.MCPServer
	dispatcher *dispatch.Dispatcher
	files      *tools.FileGatherer
	probes     *health.ProbeManager
	logger     *log.Logger
}

// New builds the MCP server and registers every tool and resource.
func New(dispatcher *dispatch.Dispatcher, files *tools.FileGatherer, probes *health.ProbeManager, version string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.DefaultLogger()
	}
	s := &Server{
		mcp: mcpserver.NewMCPServer(
			serverName,
			version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithRecovery(),
		),
		dispatcher: dispatcher,
		files:      files,
		probes:     probes,
		logger:     logger,
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio blocks serving the synchronous transport until stdin
// closes or the context ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("serving on stdio transport")
	return mcpserver.ServeStdio(s.mcp)
}

// ServeSSE serves the streaming transport plus the health endpoints
// on the given port, shutting down cleanly when the context ends.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	sse := mcpserver.NewSSEServer(s.mcp)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.Handle("/", sse)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving on streaming transport", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.probes.MarkShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.probes.CheckLiveness(r.Context()))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.probes.CheckReadiness(r.Context()))
}

func (s *Server) writeProbe(w http.ResponseWriter, res *health.ProbeResult) {
	w.Header().Set("Content-Type", "application/json")
	if res.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(res)
}

// handler adapts one dispatcher tool into an MCP handler. Coded
// errors become structured tool errors; everything else is wrapped.
func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.dispatcher.Dispatch(ctx, name, req.GetArguments())
		if err != nil {
			s.logger.WithError(err).Error("tool call failed", "tool", name)
			return mcp.NewToolResultError(formatError(err)), nil
		}
		if text, ok := result.(string); ok {
			return mcp.NewToolResultText(text), nil
		}
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

func formatError(err error) string {
	var fe *foremanerrors.ForemanError
	if stderrors.As(err, &fe) {
		msg := fmt.Sprintf("[%s] %s", fe.Code, fe.Message)
		if len(fe.Suggestions) > 0 {
			msg += "\n" + strings.Join(fe.Suggestions, "\n")
		}
		return msg
	}
	return err.Error()
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(dispatch.ToolCreateInstruction,
		mcp.WithDescription("Create a new development instruction in the initial workflow phase"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short name of the instruction")),
		mcp.WithString("description", mcp.Description("Longer free-text description")),
		mcp.WithString("goal", mcp.Required(), mcp.Description("What done looks like")),
		mcp.WithString("priority", mcp.Description("low, medium or high (default medium)")),
	), s.handler(dispatch.ToolCreateInstruction))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolGetInstruction,
		mcp.WithDescription("Fetch the full record of one instruction"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
	), s.handler(dispatch.ToolGetInstruction))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolListInstructions,
		mcp.WithDescription("List all instructions with their current phase"),
	), s.handler(dispatch.ToolListInstructions))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolBuildFeature,
		mcp.WithDescription("Create an instruction and drive it through every phase in one call; on failure the instruction stays parked at its last completed phase"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short name of the feature")),
		mcp.WithString("description", mcp.Description("Longer free-text description")),
		mcp.WithString("goal", mcp.Required(), mcp.Description("What done looks like")),
		mcp.WithString("priority", mcp.Description("low, medium or high (default medium)")),
		mcp.WithArray("subtasks", mcp.Description("Planning breakdown, each with a title")),
		mcp.WithArray("sources", mcp.Description("Information sources: type plus path or query")),
		mcp.WithObject("analysis", mcp.Description("Findings, recommendations and decision points")),
		mcp.WithArray("execution_plan", mcp.Description("Ordered plan steps, each with a title and type")),
		mcp.WithObject("step_details", mcp.Description("Per-step execution details keyed by step id")),
		mcp.WithBoolean("include_details", mcp.Description("Include full execution details in the final report")),
	), s.handler(dispatch.ToolBuildFeature))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolCreateTaskPlan,
		mcp.WithDescription("Record the planning breakdown and advance to TASK_PLANNING"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
		mcp.WithArray("subtasks", mcp.Required(), mcp.Description("Subtasks, each with a title and optional complexity")),
	), s.handler(dispatch.ToolCreateTaskPlan))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolGatherInformation,
		mcp.WithDescription("Consult information sources and advance to INFORMATION_GATHERING"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
		mcp.WithArray("sources", mcp.Required(), mcp.Description("Sources: {type: file|directory|command, path or query}")),
	), s.handler(dispatch.ToolGatherInformation))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolAnalyzeOrchestrate,
		mcp.WithDescription("Record analysis plus execution plan and advance to ANALYSIS_AND_ORCHESTRATION"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
		mcp.WithObject("analysis", mcp.Required(), mcp.Description("Findings, recommendations and decision points")),
		mcp.WithArray("execution_plan", mcp.Required(), mcp.Description("Ordered plan steps, each with a title and type")),
	), s.handler(dispatch.ToolAnalyzeOrchestrate))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolExecuteStep,
		mcp.WithDescription("Execute one plan step; re-running an executed step returns its prior result"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Plan step identifier, e.g. step-1")),
		mcp.WithObject("execution_details", mcp.Description("Step inputs: path, content, append or command")),
	), s.handler(dispatch.ToolExecuteStep))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolGenerateFinalReport,
		mcp.WithDescription("Generate the final report once every plan step has executed; completes the instruction"),
		mcp.WithString("instruction_id", mcp.Required(), mcp.Description("Instruction identifier")),
		mcp.WithBoolean("include_details", mcp.Description("Include subtasks, analysis and execution log")),
	), s.handler(dispatch.ToolGenerateFinalReport))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolRunBrowserAgent,
		mcp.WithDescription("Drive a headless browser toward a natural-language goal referencing a URL"),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Goal text containing at least one http(s) URL")),
	), s.handler(dispatch.ToolRunBrowserAgent))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolProjectStructure,
		mcp.WithDescription("Render the project directory tree"),
	), s.handler(dispatch.ToolProjectStructure))

	s.mcp.AddTool(mcp.NewTool(dispatch.ToolRunGit,
		mcp.WithDescription("Run a git operation in the project directory"),
		mcp.WithString("operation", mcp.Required(), mcp.Description("One of: status, log, diff, branch, remote, add, commit")),
		mcp.WithString("message", mcp.Description("Commit message, required for the commit operation")),
	), s.handler(dispatch.ToolRunGit))
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		"instructions://list",
		"Instruction inventory",
		mcp.WithResourceDescription("All instructions with their current phase"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := s.dispatcher.Dispatch(ctx, dispatch.ToolListInstructions, nil)
		if err != nil {
			return nil, err
		}
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(raw),
		}}, nil
	})

	s.mcp.AddResource(mcp.NewResource(
		"project://structure",
		"Project structure",
		mcp.WithResourceDescription("Directory tree of the project root"),
		mcp.WithMIMEType("text/plain"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := s.dispatcher.Dispatch(ctx, dispatch.ToolProjectStructure, nil)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "text/plain",
			Text:     result.(string),
		}}, nil
	})

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"file://{path}",
		"Project file",
		mcp.WithTemplateDescription("Raw contents of one file under the project root"),
		mcp.WithTemplateMIMEType("text/plain"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		path := strings.TrimPrefix(req.Params.URI, "file://")
		content, err := s.files.Gather(ctx, engine.SourceRequest{Type: "file", Path: path})
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "text/plain",
			Text:     content,
		}}, nil
	})
}
