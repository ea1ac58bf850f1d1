package postgres

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgtype"
)

// StringToNullableText converts string to pgtype.Text (nullable)
func StringToNullableText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// SignatureToInt64s はMinHash署名をBIGINT[]用にビットそのままで変換する
func SignatureToInt64s(sig []uint64) []int64 {
	if sig == nil {
		return nil
	}
	out := make([]int64, len(sig))
	for i, v := range sig {
		out[i] = int64(v)
	}
	return out
}

// Int64sToSignature はBIGINT[]からMinHash署名を復元する
func Int64sToSignature(values []int64) []uint64 {
	if values == nil {
		return nil
	}
	out := make([]uint64, len(values))
	for i, v := range values {
		out[i] = uint64(v)
	}
	return out
}

// JSONBFromStringSlice converts []string to []byte (JSONB)
func JSONBFromStringSlice(s []string) []byte {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(s)
	return b
}

// StringSliceFromJSONB converts []byte (JSONB) to []string
func StringSliceFromJSONB(b []byte) []string {
	if b == nil {
		return nil
	}
	var s []string
	_ = json.Unmarshal(b, &s)
	return s
}

// JSONBFromMetadata converts map[string]any to []byte (JSONB)
func JSONBFromMetadata(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	return b
}

// MetadataFromJSONB converts []byte (JSONB) to map[string]any
func MetadataFromJSONB(b []byte) map[string]any {
	if b == nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
