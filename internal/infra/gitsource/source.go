package gitsource

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitignore "github.com/sabhiram/go-gitignore"
	giturls "github.com/whilp/git-urls"

	"github.com/hokora/knowledge-rag/internal/core/ingestion"
)

// maxFileSize を超えるファイルは生成物とみなして取り込まない
const maxFileSize = 1 << 20

// 取り込み対象の拡張子
var documentExtensions = map[string]struct{}{
	".md":       {},
	".markdown": {},
	".mdx":      {},
	".txt":      {},
	".rst":      {},
}

// Source はGitリポジトリをドキュメントソースとして扱う。
// 浅いクローンを作り、Markdown/プレーンテキストのファイルを
// .ragignore のパターンを尊重しながら列挙する
type Source struct {
	repoURL  string
	name     string
	branch   string
	cloneDir string
	local    bool
}

// SourceOption は Source のオプション設定
type SourceOption func(*Source)

// WithBranch はチェックアウトするブランチを指定する
func WithBranch(branch string) SourceOption {
	return func(s *Source) {
		s.branch = branch
	}
}

// WithCloneDir はクローン先ディレクトリを指定する。
// 未指定なら一時ディレクトリを使い、取得後に削除する
func WithCloneDir(dir string) SourceOption {
	return func(s *Source) {
		s.cloneDir = dir
	}
}

// NewSource は新しい Source を作成する。
// リポジトリURLはSSH/HTTPSどちらの形式でも受け付け、
// ソース名は host/owner/repo に正規化する
func NewSource(repoURL string, opts ...SourceOption) (*Source, error) {
	name, local, err := normalizeName(repoURL)
	if err != nil {
		return nil, err
	}

	s := &Source{
		repoURL: repoURL,
		name:    name,
		local:   local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// normalizeName はGit URLを host/owner/repo 形式のソース名に変換する。
// 例: git@github.com:user/repo.git -> github.com/user/repo
func normalizeName(repoURL string) (name string, local bool, err error) {
	u, err := giturls.Parse(repoURL)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}

	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return "", false, fmt.Errorf("git URL %q has no repository path", repoURL)
	}

	// ローカルパスはホストを持たないのでリポジトリ名だけを使う
	if hostname == "" {
		return filepath.Base(path), true, nil
	}

	return hostname + "/" + path, false, nil
}

// Name はソース識別子を返す
func (s *Source) Name() string {
	return s.name
}

// FetchDocuments はリポジトリをクローンしてドキュメントファイルを列挙する
func (s *Source) FetchDocuments(ctx context.Context) ([]*ingestion.ScrapedPage, error) {
	dir := s.cloneDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "kbrag-git-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create clone directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cloneOpts := &git.CloneOptions{
		URL: s.repoURL,
	}
	// ローカルパスのshallowクローンはトランスポートが対応しないことがある
	if !s.local {
		cloneOpts.Depth = 1
	}
	if s.branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(s.branch)
		cloneOpts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, cloneOpts); err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", s.repoURL, err)
	}

	matcher, err := loadIgnorePatterns(dir)
	if err != nil {
		return nil, err
	}

	var pages []*ingestion.ScrapedPage
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}

		if d.IsDir() {
			if d.Name() == ".git" || matcher.MatchesPath(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if _, ok := documentExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		if matcher.MatchesPath(rel) {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		if info.Size() > maxFileSize {
			return nil
		}

		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", rel, rerr)
		}

		rel = filepath.ToSlash(rel)
		pages = append(pages, &ingestion.ScrapedPage{
			URL:      s.name + "/" + rel,
			Title:    documentTitle(string(content), rel),
			Content:  string(content),
			Markdown: string(content),
			Metadata: map[string]any{
				"sourceType": "git",
				"repository": s.name,
				"path":       rel,
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repository files: %w", err)
	}

	return pages, nil
}

// loadIgnorePatterns は .ragignore のパターンとデフォルトの除外パターンを
// まとめてコンパイルする
func loadIgnorePatterns(repoDir string) (*gitignore.GitIgnore, error) {
	patterns := []string{
		".git",
		"node_modules",
		"vendor",
		"dist",
		"build",
		"CHANGELOG.md",
		"LICENSE*",
	}

	ragignorePath := filepath.Join(repoDir, ".ragignore")
	if data, err := os.ReadFile(ragignorePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .ragignore: %w", err)
	}

	return gitignore.CompileIgnoreLines(patterns...), nil
}

// documentTitle は先頭の見出し行をタイトルとして使い、無ければ
// ファイルパスで代用する
func documentTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
		break
	}
	return fallback
}

// インターフェース実装の確認
var _ ingestion.DocumentSource = (*Source)(nil)
