package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken は英文テキストの1トークンあたりの平均文字数。
// チャンクサイズ判定には厳密なトークン化は不要で、一貫性だけが重要です
const charsPerToken = 4

// EstimateTokens は文字数比によるトークン数の概算を返します
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TokenCounter はトークン数を数えるインターフェース
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter は文字数比の概算カウンタ（デフォルト）
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return EstimateTokens(text)
}

// TiktokenCounter はcl100k_baseエンコーダによる正確なカウンタ。
// コンテキスト組み立て等、概算では不十分な箇所で使います
type TiktokenCounter struct {
	encoder *tiktoken.Tiktoken
}

// NewTiktokenCounter は新しいTiktokenCounterを作成します
func NewTiktokenCounter() (*TiktokenCounter, error) {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}
	return &TiktokenCounter{encoder: encoder}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoder.Encode(text, nil, nil))
}

// TrimToTokenLimit はテキストを指定されたトークン数に収まるようトリミングします
func (c *TiktokenCounter) TrimToTokenLimit(text string, maxTokens int) string {
	tokens := c.encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return c.encoder.Decode(tokens[:maxTokens])
}
