package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hokora/knowledge-rag/internal/core/ingestion"
	"github.com/hokora/knowledge-rag/internal/infra/gitsource"
)

// IngestURLAction は1URLを取り込むコマンドのアクション
func IngestURLAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	url := cmd.String("url")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Ingestion.ScrapeURL(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to ingest %s: %w", url, err)
	}

	return printJSON(result)
}

// IngestCrawlAction はサイトをクロールして取り込むコマンドのアクション
func IngestCrawlAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	rootURL := cmd.String("url")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job := appCtx.Ingestion.CrawlSite(ctx, rootURL)
	if err := printJSON(job); err != nil {
		return err
	}
	if job.Status == ingestion.JobStatusFailed {
		return fmt.Errorf("crawl job failed: %s", job.Error)
	}
	return nil
}

// IngestGitAction はGitリポジトリのドキュメントを取り込むコマンドのアクション
func IngestGitAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	repoURL := cmd.String("repo")
	branch := cmd.String("branch")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	opts := []gitsource.SourceOption{}
	if branch != "" {
		opts = append(opts, gitsource.WithBranch(branch))
	}
	source, err := gitsource.NewSource(repoURL, opts...)
	if err != nil {
		return err
	}

	job := appCtx.Ingestion.IngestSource(ctx, source)
	if err := printJSON(job); err != nil {
		return err
	}
	if job.Status == ingestion.JobStatusFailed {
		return fmt.Errorf("git ingest job failed: %s", job.Error)
	}
	return nil
}

// IngestScheduledAction は再取得期限を迎えたソースを処理するコマンドのアクション
func IngestScheduledAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Ingestion.RunScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to run scheduled ingestion: %w", err)
	}

	return printJSON(jobs)
}

// SourceAddAction は定期取得の対象ソースを登録するコマンドのアクション
func SourceAddAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	url := cmd.String("url")
	title := cmd.String("title")
	frequency := cmd.Duration("frequency")
	if frequency <= 0 {
		frequency = 24 * time.Hour
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	id, err := appCtx.Repository.UpsertSource(ctx, url, title, frequency)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"id":        id,
		"url":       url,
		"frequency": frequency.String(),
	})
}

// printJSON は結果を整形して標準出力へ書き出す
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
