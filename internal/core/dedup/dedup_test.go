package dedup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContentHashDeterminism は同一テキストが常に同一ハッシュになることを確認します
func TestContentHashDeterminism(t *testing.T) {
	h1 := ContentHash("Hello World")
	h2 := ContentHash("Hello World")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

// TestContentHashNormalization は小文字化とトリムが適用されることを確認します
func TestContentHashNormalization(t *testing.T) {
	assert.Equal(t, ContentHash("hello world"), ContentHash("  Hello World  "))
	assert.NotEqual(t, ContentHash("hello world"), ContentHash("hello  world"))
}

// TestMinHashSignatureStability は同一入力に対する署名の安定性を確認します
func TestMinHashSignatureStability(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	sig1 := MinHashSignature(text, 128)
	sig2 := MinHashSignature(text, 128)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 128)
}

// TestMinHashSignatureEmptyInput は空のシングル集合で全エントリが0になることを確認します
func TestMinHashSignatureEmptyInput(t *testing.T) {
	sig := MinHashSignature("", 64)
	require.Len(t, sig, 64)
	for _, v := range sig {
		assert.Equal(t, uint64(0), v)
	}
}

// TestMinHashSimilarityIdentical は同一テキストの類似度が1になることを確認します
func TestMinHashSimilarityIdentical(t *testing.T) {
	text := "community health services on the island are provided by local clinics"
	sim, err := MinHashSimilarity(MinHashSignature(text, 128), MinHashSignature(text, 128))
	require.NoError(t, err)
	assert.Equal(t, 1.0, sim)
}

// TestMinHashSimilarityNearDuplicate はボイラープレートのみ異なるテキストが
// 高い類似度になり、無関係のテキストが0付近になることを確認します
func TestMinHashSimilarityNearDuplicate(t *testing.T) {
	body := "The community company delivers a broad range of primary health services across the island, " +
		"including maternal care, chronic disease management, dental checkups and mental wellbeing programs. " +
		"Residents can visit the main clinic near the jetty on weekday mornings or book transport through " +
		"the patient travel office. Elders receive home visits twice a month, while school aged children " +
		"take part in regular hearing and vision screening organised together with the education department. " +
		"Emergency cases are stabilised locally before being flown to the mainland hospital when required. "
	a := body + "Home | About | Contact"
	b := body + "Privacy Policy | Terms of Use | Sitemap"

	simNear, err := MinHashSimilarity(MinHashSignature(a, 128), MinHashSignature(b, 128))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, simNear, 0.8)

	unrelated := "the stock market closed higher today after strong earnings reports from technology companies"
	simFar, err := MinHashSimilarity(MinHashSignature(a, 128), MinHashSignature(unrelated, 128))
	require.NoError(t, err)
	assert.Less(t, simFar, 0.2)
}

// TestMinHashSimilarityLengthMismatch は署名長不一致でエラーになることを確認します
func TestMinHashSimilarityLengthMismatch(t *testing.T) {
	_, err := MinHashSimilarity(make([]uint64, 64), make([]uint64, 128))
	assert.Error(t, err)
}

// TestIsNearDuplicateBestMatch は最良一致が採用され、既存署名の順序に
// 依存しないことを確認します
func TestIsNearDuplicateBestMatch(t *testing.T) {
	base := "Palm Island community company delivers health and wellbeing services to residents, " +
		"ranging from aged care support and disability assistance to youth diversion programs, " +
		"family safety outreach and an accredited training academy for local employment pathways."
	closest := base + "extra footer"
	further := base + strings.Repeat("additional divergent content about something else entirely. ", 3)

	newSig := MinHashSignature(base, 128)
	sigClosest := MinHashSignature(closest, 128)
	sigFurther := MinHashSignature(further, 128)

	forward, err := IsNearDuplicate(newSig, [][]uint64{sigFurther, sigClosest}, 0.5)
	require.NoError(t, err)
	reversed, err := IsNearDuplicate(newSig, [][]uint64{sigClosest, sigFurther}, 0.5)
	require.NoError(t, err)

	require.True(t, forward.IsDuplicate)
	assert.Equal(t, forward.Similarity, reversed.Similarity)
	// 順序が違っても同じ署名（最良一致）を指す
	assert.Equal(t, sigClosest, [][]uint64{sigFurther, sigClosest}[forward.MatchIndex])
	assert.Equal(t, sigClosest, [][]uint64{sigClosest, sigFurther}[reversed.MatchIndex])
}

// TestIsNearDuplicateNoMatch は一致なしの結果を確認します
func TestIsNearDuplicateNoMatch(t *testing.T) {
	match, err := IsNearDuplicate(MinHashSignature("totally unique text about gardening", 128), nil, 0.8)
	require.NoError(t, err)
	assert.False(t, match.IsDuplicate)
	assert.Equal(t, -1, match.MatchIndex)
}

// TestCheckDuplicationExact は正確ハッシュ照合の短絡を確認します
func TestCheckDuplicationExact(t *testing.T) {
	text := "this exact content was already ingested"
	existing := map[string]struct{}{ContentHash(text): {}}

	result, err := CheckDuplication(text, existing, nil, CheckOptions{})
	require.NoError(t, err)
	assert.True(t, result.IsExactDuplicate)
	assert.False(t, result.IsNearDuplicate)
	assert.NotEmpty(t, result.ExactHash)
	assert.Len(t, result.Signature, DefaultNumPermutations)
}

// TestCheckDuplicationNovel は新規コンテンツの判定と、呼び出し側が挿入に使える
// ハッシュ・署名が返ることを確認します
func TestCheckDuplicationNovel(t *testing.T) {
	result, err := CheckDuplication("entirely new content about something novel", map[string]struct{}{}, nil, CheckOptions{})
	require.NoError(t, err)
	assert.False(t, result.IsExactDuplicate)
	assert.False(t, result.IsNearDuplicate)
	assert.Equal(t, ContentHash("entirely new content about something novel"), result.ExactHash)
}

// TestCosineSimilarity はコサイン類似度の計算を確認します
func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Error(t, err)
}

// TestIsSemanticDuplicate はしきい値判定を確認します
func TestIsSemanticDuplicate(t *testing.T) {
	dup, sim, err := IsSemanticDuplicate([]float32{1, 1, 0}, []float32{1, 1, 0.1}, 0.92)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Greater(t, sim, 0.92)

	dup, _, err = IsSemanticDuplicate([]float32{1, 0, 0}, []float32{0, 1, 0}, 0.92)
	require.NoError(t, err)
	assert.False(t, dup)
}
