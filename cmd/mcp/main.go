// poolreplay MCP server.
// Exposes fixture inspection and the serve-mode API over MCP stdio transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/poolreplay/internal/config"
	mcptools "github.com/gateway-fm/poolreplay/internal/mcp"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))

	if err := godotenv.Load(config.DefaultEnvFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load env file", slog.String("error", err.Error()))
	}

	apiURL := envOr("POOLREPLAY_URL", "http://localhost"+config.DefaultListenAddr)

	fixtures := mcptools.Fixtures{
		EventsPath:   envOr("EVENTS_PATH", config.DefaultEventsPath),
		MetadataPath: envOr("METADATA_PATH", config.DefaultMetadataPath),
		EventsDB:     os.Getenv("EVENTS_DB"),
		Pool:         common.HexToAddress(os.Getenv("POOL_ADDRESS")),
		Recipient:    common.HexToAddress(os.Getenv("CALLEE_ADDRESS")),
		Logger:       logger,
	}

	s := server.NewMCPServer(
		"poolreplay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(apiURL)
	mcptools.RegisterTools(s, client, fixtures)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
