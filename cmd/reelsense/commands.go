package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/reelsense/internal/api"
	"github.com/kalambet/reelsense/internal/assistant"
	"github.com/kalambet/reelsense/internal/config"
	"github.com/kalambet/reelsense/internal/embedding"
	"github.com/kalambet/reelsense/internal/retrieval"
	"github.com/kalambet/reelsense/internal/search"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the catalog on the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		results, err := runSearch(cmd.Context(), client, strings.Join(args, " "), limit, threshold)
		if err != nil {
			return err
		}
		printResults(os.Stdout, results)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().Float64("threshold", search.DefaultThreshold, "minimum similarity (exclusive)")
}

func runSearch(ctx context.Context, client *apiClient, query string, limit int, threshold float64) ([]retrieval.SearchResult, error) {
	resp, err := client.post(ctx, "/search", map[string]any{
		"query":     query,
		"limit":     limit,
		"threshold": threshold,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []retrieval.SearchResult `json:"data"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func printResults(w io.Writer, results []retrieval.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matching videos.")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%.3f  %s  %s\n", r.Similarity, colorize(colorBold, r.Title), colorize(colorCyan, r.ID))
	}
}

// --- migrate-embeddings ---

var migrateCmd = &cobra.Command{
	Use:   "migrate-embeddings",
	Short: "Embed every approved item that has no vector yet",
	Long: `Embed every approved item that has no vector yet.

By default the running server does the work through its admin endpoint,
which needs REELSENSE_ADMIN_TOKEN. With --local the command opens the
database itself; stop the server first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		var res embedding.Result
		var err error
		if local {
			res, err = migrateLocal(cmd.Context())
		} else {
			var client *apiClient
			client, err = newAPIClient()
			if err != nil {
				return err
			}
			res, err = migrateRemote(cmd.Context(), client)
		}
		if err != nil {
			return err
		}

		if res.Failed > 0 {
			printWarning("Embedded %d items, %d failed", res.Processed, res.Failed)
			return nil
		}
		printSuccess("Embedded %d items", res.Processed)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("local", false, "open the database directly instead of calling the server")
}

func migrateRemote(ctx context.Context, client *apiClient) (embedding.Result, error) {
	var res embedding.Result
	resp, err := client.post(ctx, "/admin/migrate-embeddings", nil)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func migrateLocal(ctx context.Context) (embedding.Result, error) {
	cfg, err := config.Load()
	if err != nil {
		return embedding.Result{}, err
	}
	setupLogging(cfg)
	if !cfg.EmbeddingConfigured() {
		return embedding.Result{}, errors.New("no embedding provider configured; set embedding.provider and its API key")
	}
	ensureOllama(ctx, cfg, os.Stderr)

	a, err := openApp(cfg)
	if err != nil {
		return embedding.Result{}, err
	}
	defer a.Close()
	printStep("Embedding items without a vector")
	return a.embeddings.MigrateMissing(ctx)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask the assistant for videos, streaming the reply",
	Long: `Ask the assistant for videos, streaming the reply.

The command opens the database directly and acts as --user. Pass
--conversation to continue an earlier conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		convID, _ := cmd.Flags().GetString("conversation")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := streamChat(ctx, a.assistant, os.Stdout, userID, strings.Join(args, " "), convID)
		if err != nil {
			return err
		}
		printStatus("Conversation", "%s", id)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("user", "cli", "user ID the conversation belongs to")
	chatCmd.Flags().String("conversation", "", "conversation ID to continue")
}

// streamChat prints the grounding videos, then the reply as it arrives.
// It returns the conversation ID.
func streamChat(ctx context.Context, a *assistant.Assistant, w io.Writer, userID, message, convID string) (string, error) {
	st, err := a.Stream(ctx, userID, message, convID)
	if err != nil {
		return "", err
	}
	defer st.Close()

	for {
		chunk, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return st.ConversationID(), nil
		}
		if err != nil {
			return st.ConversationID(), err
		}
		switch chunk.Type {
		case assistant.ChunkVideos:
			for _, v := range chunk.Videos {
				fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, "▶"), v.Title)
			}
			if len(chunk.Videos) > 0 {
				fmt.Fprintln(w)
			}
		case assistant.ChunkContent:
			fmt.Fprint(w, chunk.Content)
		case assistant.ChunkDone:
			fmt.Fprintln(w)
		}
	}
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve catalog tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{Search: a.search, Recommend: a.blender}, version)
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration (secrets are omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
