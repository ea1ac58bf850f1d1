package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/hokora/knowledge-rag/internal/core/embedding"
	"github.com/hokora/knowledge-rag/internal/core/search"
)

// SearchAction は検索を実行するコマンドのアクション
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	query := cmd.String("query")
	mode := cmd.String("mode")
	limit := int(cmd.Int("limit"))

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	opts := search.Options{Limit: limit}

	switch mode {
	case "text":
		results, err := appCtx.Search.TextSearch(ctx, query, opts)
		if err != nil {
			return err
		}
		return printJSON(results)
	case "vector":
		results, err := appCtx.Search.VectorSearch(ctx, query, opts)
		if err != nil {
			return err
		}
		return printJSON(results)
	case "hybrid", "":
		result, err := appCtx.Search.HybridSearch(ctx, query, opts)
		if err != nil {
			return err
		}
		return printJSON(result)
	default:
		return fmt.Errorf("unknown search mode: %s", mode)
	}
}

// AskAction は質問に対するRAGコンテキストを組み立てるコマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	question := cmd.String("question")
	maxTokens := int(cmd.Int("max-tokens"))
	includeSource := cmd.Bool("sources")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Search.GetRAGContext(ctx, question,
		search.Options{},
		search.ContextOptions{
			MaxTokens:     maxTokens,
			IncludeSource: includeSource,
		},
	)
	if err != nil {
		return err
	}

	return printJSON(result)
}

// KnowledgeAddAction はナレッジエントリを登録するコマンドのアクション
func KnowledgeAddAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	slug := cmd.String("slug")
	title := cmd.String("title")
	content := cmd.String("content")
	file := cmd.String("file")

	if content == "" && file == "" {
		return fmt.Errorf("either --content or --file is required")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read content file: %w", err)
		}
		content = string(data)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var vector []float32
	if appCtx.Embeddings != nil {
		result, err := appCtx.Embeddings.GenerateEmbeddings(ctx, []string{content}, embedding.InputTypeDocument, "")
		if err != nil {
			appCtx.Logger.Warn("failed to embed knowledge entry, storing without vector",
				"slug", slug, "error", err)
		} else if len(result.Embeddings) > 0 {
			vector = result.Embeddings[0]
		}
	}

	if err := appCtx.SearchRepo.UpsertKnowledgeEntry(ctx, slug, title, content, vector); err != nil {
		return err
	}

	return printJSON(map[string]any{"slug": slug, "embedded": vector != nil})
}
