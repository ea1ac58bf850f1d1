// Package chunk はソーステキストをトークン予算内のチャンク列へ分割します。
package chunk

import (
	"regexp"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// デフォルトのチャンクサイズ設定
const (
	DefaultMaxTokens     = 256
	DefaultOverlapTokens = 50
)

// Chunk はトークン予算内に収めたソーステキストの連続した区間です。
// StartChar/EndChar は正規化後テキスト内のオーバーラップ適用前の範囲を指し、
// オーバーラップ有効時の Text は前チャンク末尾の断片で始まります。
type Chunk struct {
	Text         string   `json:"text"`
	Index        int      `json:"index"`
	TokenCount   int      `json:"tokenCount"`
	StartChar    int      `json:"startChar"`
	EndChar      int      `json:"endChar"`
	Headers      []string `json:"headers,omitempty"`
	HasCodeBlock bool     `json:"hasCodeBlock"`
	HasList      bool     `json:"hasList"`
	CodeLanguage string   `json:"codeLanguage,omitempty"`
}

// Chunker はテキストを分割します
type Chunker struct {
	maxTokens          int
	overlapTokens      int
	preserveHeaders    bool
	preserveCodeBlocks bool
}

// Option はChunkerのオプション設定
type Option func(*Chunker)

// WithMaxTokens はチャンクの最大トークン数を上書きする
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlapTokens はオーバーラップトークン数を上書きする（0で無効）
func WithOverlapTokens(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapTokens = n
		}
	}
}

// WithPreserveHeaders は見出しメタデータの保持を切り替える
func WithPreserveHeaders(preserve bool) Option {
	return func(c *Chunker) {
		c.preserveHeaders = preserve
	}
}

// WithPreserveCodeBlocks はコードブロックを分割せず原子的に扱うかを切り替える
func WithPreserveCodeBlocks(preserve bool) Option {
	return func(c *Chunker) {
		c.preserveCodeBlocks = preserve
	}
}

// NewChunker は新しいChunkerを作成します
func NewChunker(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens:          DefaultMaxTokens,
		overlapTokens:      DefaultOverlapTokens,
		preserveHeaders:    true,
		preserveCodeBlocks: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	// オーバーラップが予算の半分以上を占める場合はクランプする
	if c.overlapTokens*2 >= c.maxTokens {
		c.overlapTokens = c.maxTokens / 4
	}
	return c
}

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	// 文末境界: 終端記号（閉じ引用符許容）の後の空白
	sentenceRe = regexp.MustCompile(`[.!?]["')\]]?(?:\s+|$)`)
)

// Normalize は改行コードを統一し、3つ以上の連続改行を2つへ畳み、前後の空白を除去します
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

type sectionKind int

const (
	sectionParagraph sectionKind = iota
	sectionHeader
	sectionCode
	sectionList
)

// section は空行境界で区切られた粗い区間
type section struct {
	kind     sectionKind
	start    int // 正規化後テキスト内の開始オフセット
	end      int // 終了オフセット（排他的）
	headers  []string
	language string // コードフェンスの言語
}

type headerFrame struct {
	level int
	title string
}

// splitSections は正規化済みテキストを粗いセクションへ分割し、
// 各セクションへ見出しパンくずを記録します
func (c *Chunker) splitSections(text string) []section {
	var sections []section
	var stack []headerFrame

	breadcrumb := func() []string {
		if !c.preserveHeaders || len(stack) == 0 {
			return nil
		}
		titles := make([]string, len(stack))
		for i, f := range stack {
			titles[i] = f.title
		}
		return titles
	}

	var cur *section
	inCode := false
	codeHasInfo := false

	flush := func(end int) {
		if cur != nil {
			cur.end = end
			sections = append(sections, *cur)
			cur = nil
		}
	}

	offset := 0
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		lineStart := offset
		lineEnd := offset + len(line)
		offset = lineEnd + 1 // 改行分
		trimmed := strings.TrimSpace(line)

		if inCode {
			if strings.HasPrefix(trimmed, "```") {
				inCode = false
				// 情報文字列のないフェンスは内容から言語を推定する
				if !codeHasInfo && cur != nil {
					body := text[cur.start:lineStart]
					if lang, safe := enry.GetLanguageByClassifier([]byte(body), nil); safe {
						cur.language = lang
					}
				}
				flush(lineEnd)
			}
			continue
		}

		switch {
		case trimmed == "":
			flush(lineStart - 1)

		case strings.HasPrefix(trimmed, "```"):
			flush(lineStart - 1)
			info := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			codeHasInfo = info != ""
			cur = &section{
				kind:     sectionCode,
				start:    lineStart,
				headers:  breadcrumb(),
				language: info,
			}
			inCode = true

		case headingRe.MatchString(trimmed):
			flush(lineStart - 1)
			m := headingRe.FindStringSubmatch(trimmed)
			level := len(m[1])
			title := strings.TrimSpace(m[2])

			// 同レベル以下の見出しをポップしてから積む
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headerFrame{level: level, title: title})

			sections = append(sections, section{
				kind:    sectionHeader,
				start:   lineStart,
				end:     lineEnd,
				headers: breadcrumb(),
			})

		default:
			if cur == nil {
				kind := sectionParagraph
				if listItemRe.MatchString(line) {
					kind = sectionList
				}
				cur = &section{
					kind:    kind,
					start:   lineStart,
					headers: breadcrumb(),
				}
			}
		}
	}

	// 末尾の未クローズセクション（閉じフェンス欠落を含む）
	flush(len(text))

	return sections
}

// segment はマージ中のチャンク候補
type segment struct {
	start, end int
	headers    []string
	hasCode    bool
	hasList    bool
	language   string
}

// Split はテキストをチャンク列へ分割します。
// 空入力では空のスライスを返します
func (c *Chunker) Split(text string) []Chunk {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	sections := c.splitSections(normalized)
	if len(sections) == 0 {
		return nil
	}

	// ソース全体が最大トークン数に収まる場合は分割もオーバーラップも行わない
	if EstimateTokens(normalized) <= c.maxTokens {
		return []Chunk{c.singleChunk(normalized, sections)}
	}

	// オーバーラップ分の余裕を確保したマージ予算
	budget := c.maxTokens
	if c.overlapTokens > 0 {
		budget = c.maxTokens - c.overlapTokens - 1
	}

	var chunks []Chunk
	var seg *segment

	emit := func(start, end int, headers []string, hasCode, hasList bool, language string) {
		text := normalized[start:end]
		chunks = append(chunks, Chunk{
			Text:         text,
			Index:        len(chunks),
			TokenCount:   EstimateTokens(text),
			StartChar:    start,
			EndChar:      end,
			Headers:      headers,
			HasCodeBlock: hasCode,
			HasList:      hasList,
			CodeLanguage: language,
		})
	}

	flushSeg := func() {
		if seg != nil {
			emit(seg.start, seg.end, seg.headers, seg.hasCode, seg.hasList, seg.language)
			seg = nil
		}
	}

	for _, sec := range sections {
		secTokens := EstimateTokens(normalized[sec.start:sec.end])
		isAtomicCode := sec.kind == sectionCode && c.preserveCodeBlocks

		// 単独で予算超過し、かつ原子的コードでないセクションは文単位に分割する
		if secTokens > budget && !isAtomicCode {
			flushSeg()
			for _, span := range c.splitOversized(normalized, sec.start, sec.end, budget) {
				emit(span[0], span[1], sec.headers, sec.kind == sectionCode, sec.kind == sectionList, sec.language)
			}
			continue
		}

		if seg == nil {
			seg = &segment{
				start:    sec.start,
				end:      sec.end,
				headers:  sec.headers,
				hasCode:  sec.kind == sectionCode,
				hasList:  sec.kind == sectionList,
				language: sec.language,
			}
			// 原子的コードが単独で予算超過する場合は即時フラッシュ（超過許容）
			if secTokens > budget {
				flushSeg()
			}
			continue
		}

		// セクション追加後のトークン数を見積もる（区切りの空行込み）
		candidate := EstimateTokens(normalized[seg.start:sec.end])
		if candidate > budget {
			flushSeg()
			seg = &segment{
				start:    sec.start,
				end:      sec.end,
				headers:  sec.headers,
				hasCode:  sec.kind == sectionCode,
				hasList:  sec.kind == sectionList,
				language: sec.language,
			}
			if secTokens > budget {
				flushSeg()
			}
			continue
		}

		// マージ: 範囲を伸ばし、メタデータを統合する。
		// パンくずは最後にマージされたセクションのものを採用する（最深のコンテキスト）
		seg.end = sec.end
		if sec.headers != nil {
			seg.headers = sec.headers
		}
		if sec.kind == sectionCode {
			seg.hasCode = true
			if seg.language == "" {
				seg.language = sec.language
			}
		}
		if sec.kind == sectionList {
			seg.hasList = true
		}
	}
	flushSeg()

	if c.overlapTokens > 0 && len(chunks) > 1 {
		c.applyOverlap(normalized, chunks)
	}

	return chunks
}

// singleChunk はソース全体を1チャンクとして返します。
// パンくずはマージ時と同じく最後に見出しを持ったセクションのものを採用します
func (c *Chunker) singleChunk(normalized string, sections []section) Chunk {
	ch := Chunk{
		Text:       normalized,
		TokenCount: EstimateTokens(normalized),
		EndChar:    len(normalized),
	}
	for _, sec := range sections {
		if sec.headers != nil {
			ch.Headers = sec.headers
		}
		switch sec.kind {
		case sectionCode:
			ch.HasCodeBlock = true
			if ch.CodeLanguage == "" {
				ch.CodeLanguage = sec.language
			}
		case sectionList:
			ch.HasList = true
		}
	}
	return ch
}

// splitOversized は予算超過セクションを文境界で分割した範囲の列を返します。
// 1文が予算を超える場合は語境界でさらに分割します
func (c *Chunker) splitOversized(text string, start, end, budget int) [][2]int {
	body := text[start:end]

	// 文末境界の位置（body内オフセット）を列挙する
	boundaries := sentenceRe.FindAllStringIndex(body, -1)

	var sentences [][2]int // body内の[開始, 終了)
	prev := 0
	for _, b := range boundaries {
		sentences = append(sentences, [2]int{prev, b[1]})
		prev = b[1]
	}
	if prev < len(body) {
		sentences = append(sentences, [2]int{prev, len(body)})
	}

	var spans [][2]int
	var curStart, curEnd int
	haveCur := false

	flush := func() {
		if haveCur {
			spans = append(spans, [2]int{start + curStart, start + trimSpanEnd(body, curStart, curEnd)})
			haveCur = false
		}
	}

	for _, s := range sentences {
		sentTokens := EstimateTokens(body[s[0]:s[1]])

		// 1文が予算超過: 語境界で強制分割する
		if sentTokens > budget {
			flush()
			for _, w := range splitAtWords(body, s[0], s[1], budget) {
				spans = append(spans, [2]int{start + w[0], start + trimSpanEnd(body, w[0], w[1])})
			}
			continue
		}

		if !haveCur {
			curStart, curEnd = s[0], s[1]
			haveCur = true
			continue
		}

		if EstimateTokens(body[curStart:s[1]]) > budget {
			flush()
			curStart, curEnd = s[0], s[1]
			haveCur = true
		} else {
			curEnd = s[1]
		}
	}
	flush()

	return spans
}

// splitAtWords は長大な1文を語境界で予算内の範囲へ分割します
func splitAtWords(body string, start, end, budget int) [][2]int {
	maxChars := budget * charsPerToken
	var spans [][2]int

	pos := start
	for pos < end {
		limit := pos + maxChars
		if limit >= end {
			spans = append(spans, [2]int{pos, end})
			break
		}

		// 直前の空白まで戻して語の途中で切らない
		cut := limit
		for cut > pos && !isSpace(body[cut]) {
			cut--
		}
		if cut == pos {
			// 空白のない連続: やむを得ず文字単位で切る
			cut = limit
		}

		spans = append(spans, [2]int{pos, cut})
		// 次の範囲は空白を飛ばして開始する
		pos = cut
		for pos < end && isSpace(body[pos]) {
			pos++
		}
	}

	return spans
}

// trimSpanEnd は範囲末尾の空白を除いた終了位置を返します
func trimSpanEnd(body string, start, end int) int {
	for end > start && isSpace(body[end-1]) {
		end--
	}
	return end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}

// applyOverlap は2番目以降のチャンク先頭へ前チャンク末尾の断片を付加します。
// 断片は常に前チャンクのオーバーラップ適用前テキスト（StartChar..EndChar）から
// 取得するため、オーバーラップがチャンクを跨いで複合することはありません
func (c *Chunker) applyOverlap(normalized string, chunks []Chunk) {
	overlapChars := c.overlapTokens * charsPerToken

	for i := 1; i < len(chunks); i++ {
		prev := normalized[chunks[i-1].StartChar:chunks[i-1].EndChar]
		if len(prev) == 0 {
			continue
		}

		fragStart := len(prev) - overlapChars
		if fragStart < 0 {
			fragStart = 0
		}

		// 語境界まで前進して語の途中から始めない
		for fragStart > 0 && fragStart < len(prev) && !isSpace(prev[fragStart-1]) {
			fragStart++
		}
		frag := strings.TrimSpace(prev[fragStart:])
		if frag == "" {
			continue
		}

		chunks[i].Text = frag + "\n" + chunks[i].Text
		chunks[i].TokenCount = EstimateTokens(chunks[i].Text)
	}
}
