package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docrag/internal/config"
	"github.com/kalambet/docrag/internal/engine"
	"github.com/kalambet/docrag/internal/search"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search past answers and uploaded documents",
	Long: `Search past answers and uploaded documents.

Examples:
  docrag search "quarterly revenue"
  docrag search revenue --filename report.pdf --context-length 200
  docrag search "customer feedback" --sentiment`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		filename, _ := cmd.Flags().GetString("filename")
		sentiment, _ := cmd.Flags().GetBool("sentiment")

		req := map[string]any{
			"query":             query,
			"include_sentiment": sentiment,
		}
		if filename != "" {
			req["filename"] = filename
		}
		if cmd.Flags().Changed("context-length") {
			n, _ := cmd.Flags().GetInt("context-length")
			req["context_length"] = n
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/search", req)
		if err != nil {
			return err
		}

		var body struct {
			Results search.Result `json:"results"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, body.Results)
		}
		printSearchResult(body.Results)
		return nil
	},
}

func printSearchResult(res search.Result) {
	if len(res.QueryResults) == 0 && len(res.DocumentResults) == 0 {
		fmt.Println("No results found.")
		return
	}

	for i, r := range res.QueryResults {
		fmt.Printf("\n%s %s\n", colorize(colorBold, fmt.Sprintf("Answer %d:", i+1)), r.Query)
		fmt.Printf("  %s\n", truncate(r.Response, 500))
	}
	for _, d := range res.DocumentResults {
		label := colorize(colorCyan, d.Filename)
		if d.Sentiment != nil {
			label += fmt.Sprintf(" [%s %.2f]", d.Sentiment.Label, d.Sentiment.Score)
		}
		fmt.Printf("\n%s\n  %s\n", label, d.Snippet)
	}
}

func init() {
	searchCmd.Flags().String("filename", "", "only scan documents with this filename")
	searchCmd.Flags().Bool("sentiment", false, "score the sentiment of each snippet")
	searchCmd.Flags().Int("context-length", search.DefaultContextLength, "characters shown after each match")
	searchCmd.Flags().Bool("json", false, "print raw results as JSON")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <query>",
	Short: "Answer a question with the language model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/generate", map[string]string{
			"query": strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		var body struct {
			Response string `json:"response"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		fmt.Println(body.Response)
		return nil
	},
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Upload, list and read documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/documents")
		if err != nil {
			return err
		}

		var body struct {
			Files []struct {
				FileID     string `json:"file_id"`
				Filename   string `json:"filename"`
				UploadDate string `json:"upload_date"`
			} `json:"files"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Files) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, f := range body.Files {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, f.FileID), f.UploadDate, f.Filename)
		}
		return nil
	},
}

var docsUploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a text or PDF document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = filepath.Base(path)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), "/api/v1/documents", name, data)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded %s as %s", name, result["file_id"])
		return nil
	},
}

var docsGetCmd = &cobra.Command{
	Use:   "get <file_id>",
	Short: "Print the text of an uploaded document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc struct {
			Content  string `json:"content"`
			Filename string `json:"filename"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, doc)
		}
		fmt.Println(doc.Content)
		return nil
	},
}

func init() {
	docsUploadCmd.Flags().String("name", "", "filename to store (default: base name of path)")
	docsGetCmd.Flags().Bool("json", false, "print filename and content as JSON")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsUploadCmd)
	docsCmd.AddCommand(docsGetCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage local models",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download the configured generation and sentiment models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Model.BaseURL})
		if err != nil {
			return err
		}
		if err := engine.EnsureRunning(cmd.Context(), eng); err != nil {
			return err
		}

		for _, m := range []string{cfg.Model.Name, cfg.Model.SentimentModel} {
			if err := engine.Pull(cmd.Context(), eng, m, os.Stderr); err != nil {
				return err
			}
		}
		printSuccess("Models ready")
		return nil
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models available to the inference engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Model.BaseURL})
		if err != nil {
			return err
		}
		if err := engine.EnsureRunning(cmd.Context(), eng); err != nil {
			return err
		}

		names, err := eng.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			marker := ""
			if n == cfg.Model.Name || n == cfg.Model.SentimentModel {
				marker = colorize(colorGreen, " (configured)")
			}
			fmt.Printf("%s%s\n", n, marker)
		}
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsPullCmd)
	modelsCmd.AddCommand(modelsListCmd)
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:       "unset <key>",
	Short:     "Remove a configuration value so its default applies",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
