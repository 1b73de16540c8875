// zen: multi-model investigation MCP server
//
// Exposes step-by-step workflow tools (debug, codereview, thinkdeep,
// consensus) to any MCP client over stdio, with conversation threading
// across calls and expert validation by external models.
//
// Usage:
//
//	zen serve      # Start MCP server (stdio transport)
//	zen version    # Print the version
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/config"
	zenserver "github.com/zgc-zgc/zen-mcp-sever-sub001/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("zen v%s\n", zenserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	s, cleanup, err := zenserver.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Run cleanup on interrupt too — ServeStdio returns when stdin
	// closes, but a signal can arrive first.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cleanup()
		os.Exit(0)
	}()

	return server.ServeStdio(s)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `zen v%s — multi-model investigation MCP server

Usage:
  zen serve      Start the MCP server (stdio transport)
  zen version    Print the version

Configuration (environment):
  ANTHROPIC_API_KEY / OPENAI_API_KEY / OPENROUTER_API_KEY
                         Provider credentials (at least one required)
  CUSTOM_API_URL         OpenAI-compatible local endpoint (Ollama, vLLM)
  DEFAULT_MODEL          Model when a step names none (default: auto)
  ZEN_STORAGE_DIR        Conversation storage (default: ~/.zen)
  CONVERSATION_TIMEOUT_HOURS, MAX_CONVERSATIONS
  ALLOWED_MODELS, DISABLED_MODELS, CUSTOM_MODELS_PATH

MCP client config:

  {
    "mcpServers": {
      "zen": {
        "command": "zen",
        "args": ["serve"]
      }
    }
  }
`, zenserver.Version)
}
