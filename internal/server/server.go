// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it resolves the configuration, builds the
// thread store, provider registry, and workflow engine, and registers the
// tools that depend on them. No business logic lives here — only wiring.
package server

import (
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/config"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/filecontext"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/history"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/prompts"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/providers"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/resources"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/tools"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools registered.
//
// The returned cleanup function closes the thread store and the history
// ledger and must be called on shutdown (typically via defer). It is
// always non-nil and safe to call even when a subsystem failed to start.
func New(cfg *config.Config) (*server.MCPServer, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}

	// --- Thread store ---

	store := threads.NewFileStore(threads.Config{
		Dir:        cfg.ThreadsDir(),
		TTL:        cfg.ConversationTTL,
		MaxEntries: cfg.MaxConversations,
	})
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Printf("WARNING: closing thread store: %v", err)
		}
	}

	// --- Provider registry ---

	registry, err := buildRegistry(cfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	// --- Workflow engine ---

	engine := workflow.NewEngine(store, filecontext.NewOptimizer(store), registry)
	if cfg.InputTokenLimit > 0 {
		engine.SetInputCeiling(cfg.InputTokenLimit)
	}

	// --- History ledger ---
	//
	// The ledger is an independent subsystem: if it fails to open, the
	// workflow tools keep working without outcome records. Only the
	// zen_activity tool is skipped.

	ledger, ledgerErr := history.Open(cfg.HistoryDir())
	if ledgerErr != nil {
		log.Printf("WARNING: history ledger disabled: %v", ledgerErr)
	} else {
		engine.SetLedger(ledger)
		prev := cleanup
		cleanup = func() {
			if err := ledger.Close(); err != nil {
				log.Printf("WARNING: closing history ledger: %v", err)
			}
			prev()
		}
	}

	// --- Create the MCP server ---

	s := server.NewMCPServer(
		"zen",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register workflow tools ---

	debugTool := tools.NewDebugTool(engine)
	s.AddTool(debugTool.Definition(), debugTool.Handle)

	codereviewTool := tools.NewCodeReviewTool(engine)
	s.AddTool(codereviewTool.Definition(), codereviewTool.Handle)

	thinkdeepTool := tools.NewThinkDeepTool(engine)
	s.AddTool(thinkdeepTool.Definition(), thinkdeepTool.Handle)

	consensusTool := tools.NewConsensusTool(engine)
	s.AddTool(consensusTool.Definition(), consensusTool.Handle)

	// --- Register utility tools ---

	if ledgerErr == nil {
		activityTool := tools.NewActivityTool(ledger)
		s.AddTool(activityTool.Definition(), activityTool.Handle)
	}

	versionTool := tools.NewVersionTool(Version, registry)
	s.AddTool(versionTool.Definition(), versionTool.Handle)

	// --- Register prompts and resources ---

	investigatePrompt := prompts.NewInvestigatePrompt()
	s.AddPrompt(investigatePrompt.Definition(), investigatePrompt.Handle)

	if ledgerErr == nil {
		resourceHandler := resources.NewHandler(ledger)
		s.AddResource(resourceHandler.ActivityResource(), resourceHandler.HandleActivity)
	}

	return s, cleanup, nil
}

// buildRegistry constructs the provider registry from the configured
// credentials and the model catalog (built-in specs plus an optional
// YAML overlay).
func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	var catalog *providers.Catalog
	var err error
	if cfg.CatalogPath != "" {
		catalog, err = providers.LoadCatalog(cfg.CatalogPath, cfg.AllowedModels, cfg.DisabledModels)
	} else {
		catalog, err = providers.NewCatalog(nil, cfg.AllowedModels, cfg.DisabledModels)
	}
	if err != nil {
		return nil, fmt.Errorf("building model catalog: %w", err)
	}

	var provs []providers.Provider
	if cfg.AnthropicAPIKey != "" {
		provs = append(provs, providers.NewAnthropicProvider(cfg.AnthropicAPIKey, ""))
	}
	if cfg.OpenAIAPIKey != "" {
		provs = append(provs, providers.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}
	if cfg.OpenRouterAPIKey != "" {
		provs = append(provs, providers.NewOpenRouterProvider(cfg.OpenRouterAPIKey))
	}
	if cfg.CustomAPIURL != "" {
		provs = append(provs, providers.NewCustomProvider(cfg.CustomAPIURL, cfg.CustomAPIKey))
	}
	return providers.NewRegistry(catalog, provs...), nil
}

func serverInstructions() string {
	return `zen provides step-by-step investigation workflows backed by external models.

Workflow tools (debug, codereview, thinkdeep, consensus) are called once per
step. Each response includes a continuation_id — pass it back on the next call
to stay in the same conversation thread. Passing another tool's continuation_id
branches a new thread that inherits the prior context.

Between steps, actually do the investigation the response asks for. Mark the
final step with next_step_required=false; unless confidence is 'certain', the
accumulated findings are then validated by an expert model.`
}

// noop is the default cleanup when initialization fails early.
func noop() {}
