package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/hokora/knowledge-rag/cmd/kbrag/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "kbrag",
		Usage: "コミュニティナレッジ向け RAG 取り込み・検索パイプライン",
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "コンテンツ取り込みコマンド",
				Commands: []*cli.Command{
					{
						Name:  "url",
						Usage: "1URLを取り込む",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "url",
								Usage:    "取り込むページのURL",
								Required: true,
							},
						},
						Action: commands.IngestURLAction,
					},
					{
						Name:  "crawl",
						Usage: "サイトをクロールして取り込む",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "url",
								Usage:    "クロールのルートURL",
								Required: true,
							},
						},
						Action: commands.IngestCrawlAction,
					},
					{
						Name:  "git",
						Usage: "Gitリポジトリのドキュメントを取り込む",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "repo",
								Usage:    "リポジトリURL（SSH/HTTPS）",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "branch",
								Usage: "チェックアウトするブランチ",
							},
						},
						Action: commands.IngestGitAction,
					},
					{
						Name:   "scheduled",
						Usage:  "再取得期限を迎えたソースを処理する",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.IngestScheduledAction,
					},
				},
			},
			{
				Name:  "source",
				Usage: "定期取得ソース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "定期取得の対象ソースを登録する",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "url",
								Usage:    "ソースのURL",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "title",
								Usage: "ソースの表示名",
							},
							&cli.DurationFlag{
								Name:  "frequency",
								Usage: "再取得間隔（例: 24h）",
							},
						},
						Action: commands.SourceAddAction,
					},
				},
			},
			{
				Name:  "search",
				Usage: "検索を実行する",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:     "query",
						Usage:    "検索クエリ",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "検索モード（hybrid/text/vector）",
						Value: "hybrid",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "返却件数の上限",
					},
				},
				Action: commands.SearchAction,
			},
			{
				Name:  "ask",
				Usage: "質問に対するRAGコンテキストを組み立てる",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:     "question",
						Usage:    "質問文",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "max-tokens",
						Usage: "コンテキストのトークン上限",
					},
					&cli.BoolFlag{
						Name:  "sources",
						Usage: "各断片に出典行を付ける",
					},
				},
				Action: commands.AskAction,
			},
			{
				Name:  "knowledge",
				Usage: "ナレッジエントリ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "ナレッジエントリを登録・更新する",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "slug",
								Usage:    "エントリの識別子",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "title",
								Usage:    "エントリのタイトル",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "content",
								Usage: "本文（--fileと排他）",
							},
							&cli.StringFlag{
								Name:  "file",
								Usage: "本文を読み込むファイルパス",
							},
						},
						Action: commands.KnowledgeAddAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
