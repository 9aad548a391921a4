package models

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Block 区块数据模型
//
// 区块一旦追加即不可变，高度单调递增且无空洞。
type Block struct {
	Height       uint64    `json:"height"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Producer     string    `json:"producer"`
	Constituency string    `json:"constituency"` // 出块者所属阵营
	Timestamp    time.Time `json:"timestamp"`
	TxHashes     []string  `json:"tx_hashes"`
	TxCount      int       `json:"tx_count"`
}

// GenesisPreviousHash 创世区块的前驱哈希
const GenesisPreviousHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash 计算区块哈希
func (b *Block) ComputeHash() string {
	var sb strings.Builder
	writeU64(&sb, b.Height)
	sb.WriteString(b.PreviousHash)
	sb.WriteByte('|')
	sb.WriteString(b.Producer)
	sb.WriteByte('|')
	writeU64(&sb, uint64(b.Timestamp.Unix()))
	for _, h := range b.TxHashes {
		sb.WriteString(h)
		sb.WriteByte('|')
	}
	return crypto.Keccak256Hash([]byte(sb.String())).Hex()
}

func writeU64(sb *strings.Builder, v uint64) {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	sb.Write(buf)
}
