package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/machinist/internal/config"
	"github.com/kalambet/machinist/internal/orchestrator"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the agent a question and stream the answer",
	Long: `Ask the agent a question and stream the answer.

Examples:
  machinist ask "Which machines have vibration above 1.0?"
  machinist ask --thread 3f2a... "What about that machine last week?"
  machinist ask --provider cloud "How do I fix error code E402?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")
		provider, _ := cmd.Flags().GetString("provider")
		verbose, _ := cmd.Flags().GetBool("verbose")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.stream(cmd.Context(), "/agent/stream", orchestrator.Request{
			Question: strings.Join(args, " "),
			Provider: provider,
			ThreadID: thread,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		failure, err := renderEvents(resp.Body, cmd.OutOrStdout(), cmd.ErrOrStderr(), verbose)
		if err != nil {
			return err
		}
		if failure != "" {
			return errors.New(failure)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("thread", "", "thread ID to continue")
	askCmd.Flags().String("provider", "", "model provider: local (default) or cloud")
	askCmd.Flags().BoolP("verbose", "v", false, "show engine log lines")
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage conversation threads",
}

type threadSummary struct {
	ID        string `json:"thread_id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if user != "" {
			q.Set("user_id", user)
		}
		resp, err := client.get(cmd.Context(), "/threads?"+q.Encode())
		if err != nil {
			return err
		}
		var body struct {
			Threads []threadSummary `json:"threads"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if len(body.Threads) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No threads found.")
			return nil
		}
		for _, t := range body.Threads {
			title := t.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", colorize(colorCyan, t.ID), t.UpdatedAt, title)
		}
		return nil
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thread with its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/threads/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var thread struct {
			ID       string `json:"thread_id"`
			Title    string `json:"title"`
			Messages []struct {
				Role    string          `json:"role"`
				Content string          `json:"content"`
				Chart   json.RawMessage `json:"chart"`
			} `json:"messages"`
		}
		if asJSON {
			var raw any
			if err := decodeJSON(resp, &raw); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(raw)
		}
		if err := decodeJSON(resp, &thread); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, colorize(colorBold, thread.Title))
		for _, m := range thread.Messages {
			label := colorize(colorCyan, "you")
			if m.Role != "user" {
				label = colorize(colorGreen, "agent")
			}
			fmt.Fprintf(out, "\n%s: %s\n", label, m.Content)
			if len(m.Chart) > 0 && string(m.Chart) != "null" {
				fmt.Fprintln(out, colorize(colorDim, "  [chart attached]"))
			}
		}
		return nil
	},
}

var threadsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an empty thread and print its ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/threads", map[string]string{"user_id": user})
		if err != nil {
			return err
		}
		var created map[string]string
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), created["thread_id"])
		return nil
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/threads/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted thread %s", args[0])
		return nil
	},
}

func init() {
	threadsListCmd.Flags().Int("limit", 20, "maximum number of threads to list")
	threadsListCmd.Flags().String("user", "", "only threads of this user")
	threadsShowCmd.Flags().Bool("json", false, "print the raw thread JSON")
	threadsNewCmd.Flags().String("user", "", "owner of the thread")
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsNewCmd, threadsDeleteCmd)
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage indexed maintenance manuals",
}

var docsUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload and index PDF, HTML, Markdown or text manuals",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var failed int
		for _, file := range args {
			printStep("Indexing %s...", file)
			resp, err := client.upload(cmd.Context(), "/documents", file)
			if err != nil {
				printError("%s: %v", file, err)
				failed++
				continue
			}
			var result struct {
				Name   string `json:"name"`
				Chunks int    `json:"chunks"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				printError("%s: %v", file, err)
				failed++
				continue
			}
			printSuccess("Indexed %s (%d chunks)", result.Name, result.Chunks)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var body struct {
			Documents []struct {
				Name        string `json:"name"`
				ContentType string `json:"content_type"`
				Size        int64  `json:"size"`
				Chunks      int    `json:"chunks"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if len(body.Documents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents indexed.")
			return nil
		}
		for _, d := range body.Documents {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d bytes  %d chunks\n",
				colorize(colorBold, d.Name), d.ContentType, d.Size, d.Chunks)
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result struct {
			ChunksRemoved int `json:"chunks_removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s (%d chunks removed)", args[0], result.ChunksRemoved)
		return nil
	},
}

var docsReindexCmd = &cobra.Command{
	Use:   "reindex <name>",
	Short: "Queue a document for re-chunking and re-embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents/"+url.PathEscape(args[0])+"/reindex", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued reindex of %s (job %s)", args[0], result["job_id"])
		return nil
	},
}

var docsVectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "Preview stored chunks and their embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/vectors?limit=%d", limit))
		if err != nil {
			return err
		}
		var body struct {
			Vectors []struct {
				Source           string    `json:"source"`
				ContentPreview   string    `json:"content_preview"`
				EmbeddingPreview []float32 `json:"embedding_preview"`
			} `json:"vectors"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		for _, v := range body.Vectors {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n  %s\n", colorize(colorBold, v.Source), v.EmbeddingPreview, v.ContentPreview)
		}
		return nil
	},
}

func init() {
	docsVectorsCmd.Flags().Int("limit", 5, "number of chunks to show")
	docsCmd.AddCommand(docsUploadCmd, docsListCmd, docsDeleteCmd, docsReindexCmd, docsVectorsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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

var configSecretCmd = &cobra.Command{
	Use:   "set-openrouter-key",
	Short: "Store the OpenRouter API key in the secrets file",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
		if key == "" {
			return errors.New("set OPENROUTER_API_KEY in the environment first")
		}
		if err := config.SetSecret("machinist", "openrouter_api_key", key); err != nil {
			return err
		}
		printSuccess("Stored OpenRouter API key")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSecretCmd)
}
