package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	chainerrors "dujyochain/internal/errors"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// CommitmentState 承诺状态机
//
// Committed → Revealed → (轮次结束后清理)；
// Committed → Disqualified（揭示不匹配或超时）。
type CommitmentState string

const (
	CommitmentCommitted    CommitmentState = "committed"
	CommitmentRevealed     CommitmentState = "revealed"
	CommitmentDisqualified CommitmentState = "disqualified"
)

// Commitment 单个验证者在某轮的承诺记录
type Commitment struct {
	Round       uint64          `json:"round"`
	Validator   string          `json:"validator"`
	Commitment  string          `json:"commitment"` // sha256(秘密值) 十六进制
	Revealed    string          `json:"revealed,omitempty"`
	State       CommitmentState `json:"state"`
	CommittedAt time.Time       `json:"committed_at"`
	RevealedAt  time.Time       `json:"revealed_at,omitempty"`
}

const commitmentBucket = "commitments"

// CommitStore 承诺-揭示存储
//
// bbolt 持久化，进程重启后未完成的轮次仍可继续揭示或判定超时。
type CommitStore struct {
	db           *bbolt.DB
	commitWindow time.Duration
	revealWindow time.Duration
	logger       *logrus.Logger
}

// NewCommitStore 打开承诺存储
func NewCommitStore(path string, commitWindow, revealWindow time.Duration, logger *logrus.Logger) (*CommitStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开承诺存储失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(commitmentBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建承诺桶失败: %w", err)
	}

	return &CommitStore{
		db:           db,
		commitWindow: commitWindow,
		revealWindow: revealWindow,
		logger:       logger,
	}, nil
}

// Close 关闭存储
func (s *CommitStore) Close() error {
	return s.db.Close()
}

// ComputeCommitment 由秘密值计算承诺
func ComputeCommitment(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

func commitmentKey(round uint64, validator string) []byte {
	return []byte(fmt.Sprintf("%020d|%s", round, validator))
}

// Commit 记录某轮的承诺
//
// 同一验证者在同一轮重复承诺视为双签企图，拒绝。
func (s *CommitStore) Commit(round uint64, validator, commitment string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(commitmentBucket))
		key := commitmentKey(round, validator)

		if bucket.Get(key) != nil {
			return chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityHigh,
				"DUPLICATE_COMMITMENT", "验证者 %s 在第 %d 轮已有承诺", validator, round)
		}

		record := Commitment{
			Round:       round,
			Validator:   validator,
			Commitment:  commitment,
			State:       CommitmentCommitted,
			CommittedAt: now,
		}
		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// Reveal 揭示秘密值并校验承诺
//
// sha256(secret) 与承诺不符时该验证者本轮资格取消，但不影响
// 其他验证者的承诺。超出揭示窗口同样取消资格。
// 取消资格的状态翻转必须落库：回调内返回错误会使bbolt回滚Put，
// 因此判罚错误在事务提交后才返回给调用方。
func (s *CommitStore) Reveal(round uint64, validator string, secret []byte, now time.Time) error {
	var revealErr error

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(commitmentBucket))
		key := commitmentKey(round, validator)

		data := bucket.Get(key)
		if data == nil {
			return chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityHigh,
				"NO_COMMITMENT", "验证者 %s 在第 %d 轮没有承诺", validator, round)
		}

		var record Commitment
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if record.State != CommitmentCommitted {
			return chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityMedium,
				"COMMITMENT_NOT_PENDING", "承诺状态为 %s，不可揭示", record.State)
		}

		disqualify := func() error {
			record.State = CommitmentDisqualified
			updated, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			return bucket.Put(key, updated)
		}

		if now.After(record.CommittedAt.Add(s.revealWindow)) {
			revealErr = chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityMedium,
				"REVEAL_TOO_LATE", "第 %d 轮揭示窗口已关闭", round)
			return disqualify()
		}

		if ComputeCommitment(secret) != record.Commitment {
			revealErr = chainerrors.ErrRevealMismatch.
				WithContext("round", round).
				WithContext("validator", validator)
			return disqualify()
		}

		record.State = CommitmentRevealed
		record.Revealed = hex.EncodeToString(secret)
		record.RevealedAt = now
		updated, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return bucket.Put(key, updated)
	})
	if err != nil {
		return err
	}
	return revealErr
}

// RoundEntropy 汇总某轮所有已揭示的秘密值作为选举熵
//
// 没有任何有效揭示时返回错误，本轮无法出块。
func (s *CommitStore) RoundEntropy(round uint64) ([]byte, error) {
	hasher := sha256.New()
	revealed := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(commitmentBucket))
		prefix := []byte(fmt.Sprintf("%020d|", round))
		cursor := bucket.Cursor()

		for key, data := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, data = cursor.Next() {
			var record Commitment
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if record.State != CommitmentRevealed {
				continue
			}
			secret, err := hex.DecodeString(record.Revealed)
			if err != nil {
				return err
			}
			hasher.Write(secret)
			revealed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if revealed == 0 {
		return nil, chainerrors.Newf(chainerrors.ErrorTypeConsensus, chainerrors.SeverityMedium,
			"NO_REVEALS", "第 %d 轮没有任何有效揭示", round)
	}
	return hasher.Sum(nil), nil
}

// ExpireStale 判定某轮超时未揭示的承诺
//
// 返回被取消资格的验证者列表，用于记录缺席和声誉扣减。
func (s *CommitStore) ExpireStale(round uint64, now time.Time) ([]string, error) {
	var expired []string

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(commitmentBucket))
		prefix := []byte(fmt.Sprintf("%020d|", round))
		cursor := bucket.Cursor()

		for key, data := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, data = cursor.Next() {
			var record Commitment
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if record.State != CommitmentCommitted {
				continue
			}
			if !now.After(record.CommittedAt.Add(s.revealWindow)) {
				continue
			}

			record.State = CommitmentDisqualified
			updated, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, updated); err != nil {
				return err
			}
			expired = append(expired, record.Validator)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		s.logger.WithFields(logrus.Fields{
			"round":   round,
			"expired": expired,
		}).Warn("承诺超时未揭示，本轮资格取消")
	}
	return expired, nil
}

// PruneRound 轮次结束后清理记录
func (s *CommitStore) PruneRound(round uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(commitmentBucket))
		prefix := []byte(fmt.Sprintf("%020d|", round))
		cursor := bucket.Cursor()

		var keys [][]byte
		for key, _ := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), key...))
		}
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
