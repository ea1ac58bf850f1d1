// Package dedup は取り込み済みコーパスに対する重複判定を提供します。
// 正確ハッシュでバイト同一の再取得を、MinHashで言い換え・整形変更された
// 近似重複を、Embeddingのコサイン類似度で意味的重複をそれぞれ検出します。
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// デフォルト設定
const (
	// DefaultNumPermutations はMinHash署名のハッシュ順列数
	DefaultNumPermutations = 128
	// ShingleSize はシングルを構成する単語数
	ShingleSize = 3
	// DefaultNearThreshold は近似重複とみなすMinHash類似度のしきい値
	DefaultNearThreshold = 0.8
	// DefaultSemanticThreshold は意味的重複とみなすコサイン類似度のしきい値
	DefaultSemanticThreshold = 0.92
)

var punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// ContentHash は正規化（小文字化・トリム）したテキストのSHA-256ダイジェストを
// 16進文字列で返します。同一の正規化テキストは常に同一のハッシュになります
func ContentHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// shingles はテキストから3単語シングルの集合を構築します。
// 小文字化し句読点を除去した上で単語列を取ります
func shingles(text string) map[string]struct{} {
	cleaned := punctRe.ReplaceAllString(strings.ToLower(text), " ")
	words := strings.Fields(cleaned)

	set := make(map[string]struct{})
	if len(words) < ShingleSize {
		if len(words) > 0 {
			set[strings.Join(words, " ")] = struct{}{}
		}
		return set
	}

	for i := 0; i+ShingleSize <= len(words); i++ {
		set[strings.Join(words[i:i+ShingleSize], " ")] = struct{}{}
	}
	return set
}

// permHash はシードつきの64bitハッシュ（FNV-1a変形）
func permHash(seed uint64, s string) uint64 {
	h := uint64(14695981039346656037) ^ (seed * 1099511628211)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	for _, b := range buf {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// MinHashSignature はテキストのMinHash署名を計算します。
// 各順列について全シングルのハッシュ最小値を署名エントリとします。
// シングル集合が空の場合、エントリは0になります
func MinHashSignature(text string, numPerm int) []uint64 {
	if numPerm <= 0 {
		numPerm = DefaultNumPermutations
	}

	set := shingles(text)
	sig := make([]uint64, numPerm)
	if len(set) == 0 {
		return sig
	}

	for p := 0; p < numPerm; p++ {
		min := uint64(math.MaxUint64)
		for s := range set {
			if h := permHash(uint64(p), s); h < min {
				min = h
			}
		}
		sig[p] = min
	}
	return sig
}

// MinHashSimilarity は2つの署名が一致する順列位置の割合を返します
// （標準的なMinHashによるJaccard類似度の推定量）。
// 署名長が異なる場合はエラーを返します
func MinHashSimilarity(sigA, sigB []uint64) (float64, error) {
	if len(sigA) != len(sigB) {
		return 0, fmt.Errorf("signature length mismatch: %d != %d", len(sigA), len(sigB))
	}
	if len(sigA) == 0 {
		return 0, nil
	}

	matches := 0
	for i := range sigA {
		if sigA[i] == sigB[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(sigA)), nil
}

// NearDuplicateMatch は近似重複スキャンの結果です
type NearDuplicateMatch struct {
	IsDuplicate bool
	MatchIndex  int
	Similarity  float64
}

// IsNearDuplicate は既存署名の中からしきい値以上で最も類似する署名を探します。
// 先勝ちではなく最良一致を採用するため、既存署名の順序に依存しません。
// 一致がない場合 MatchIndex は -1 です
func IsNearDuplicate(newSig []uint64, existing [][]uint64, threshold float64) (NearDuplicateMatch, error) {
	if threshold <= 0 {
		threshold = DefaultNearThreshold
	}

	best := NearDuplicateMatch{MatchIndex: -1}
	for i, sig := range existing {
		sim, err := MinHashSimilarity(newSig, sig)
		if err != nil {
			return NearDuplicateMatch{MatchIndex: -1}, fmt.Errorf("failed to compare signature %d: %w", i, err)
		}
		if sim >= threshold && sim > best.Similarity {
			best = NearDuplicateMatch{IsDuplicate: true, MatchIndex: i, Similarity: sim}
		}
	}
	return best, nil
}

// CheckOptions は重複判定のオプション
type CheckOptions struct {
	NumPermutations int
	NearThreshold   float64
}

// Result は重複判定の結果。計算済みのハッシュと署名を含むため、
// 呼び出し側はそのままコーパスへ挿入できます
type Result struct {
	IsExactDuplicate bool
	IsNearDuplicate  bool
	MatchIndex       int
	Similarity       float64
	ExactHash        string
	Signature        []uint64
}

// CheckDuplication は正確ハッシュ照合とMinHash近似スキャンを組み合わせた
// 重複判定を行います
func CheckDuplication(text string, existingHashes map[string]struct{}, existingSigs [][]uint64, opts CheckOptions) (Result, error) {
	numPerm := opts.NumPermutations
	if numPerm <= 0 {
		numPerm = DefaultNumPermutations
	}

	hash := ContentHash(text)
	sig := MinHashSignature(text, numPerm)

	result := Result{
		ExactHash:  hash,
		Signature:  sig,
		MatchIndex: -1,
	}

	if _, ok := existingHashes[hash]; ok {
		result.IsExactDuplicate = true
		return result, nil
	}

	match, err := IsNearDuplicate(sig, existingSigs, opts.NearThreshold)
	if err != nil {
		return Result{MatchIndex: -1}, err
	}
	result.IsNearDuplicate = match.IsDuplicate
	result.MatchIndex = match.MatchIndex
	result.Similarity = match.Similarity

	return result, nil
}

// CosineSimilarity は2つのベクトルのコサイン類似度を返します。
// 次元が異なる場合はエラーを返します
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// IsSemanticDuplicate はEmbedding空間での重複判定です。テキスト構造が
// 異なっても意味が同じ場合を高いしきい値で捕捉します
func IsSemanticDuplicate(a, b []float32, threshold float64) (bool, float64, error) {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return false, 0, err
	}
	return sim >= threshold, sim, nil
}
