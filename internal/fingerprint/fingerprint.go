// Package fingerprint derives content identities for raw inputs.
//
// Two inputs with the same bytes always share a fingerprint; the fingerprint is
// the only cache key the engine uses, so identical images submitted by
// different jobs resolve to the same computation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size 指紋長度（位元組）
const Size = sha256.Size

// Fingerprint SHA-256 內容摘要
type Fingerprint [Size]byte

// Of 計算內容指紋
func Of(content []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(content))
}

// String 回傳小寫十六進位表示
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short 回傳前 12 個字元，僅供日誌使用
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Parse 解析十六進位指紋
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != Size*2 {
		return f, fmt.Errorf("fingerprint: invalid length %d", len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("fingerprint: %w", err)
	}
	return f, nil
}

// Shard 將指紋映射到 [0, n) 的分片編號
func (f Fingerprint) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	v := uint32(f[0]) | uint32(f[1])<<8 | uint32(f[2])<<16 | uint32(f[3])<<24
	return int(v % uint32(n))
}
