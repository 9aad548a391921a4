package producer

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"dujyochain/internal/audit"
	"dujyochain/internal/consensus"
	chainerrors "dujyochain/internal/errors"
	"dujyochain/internal/progress"
	"dujyochain/internal/retry"
	"dujyochain/internal/store"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
)

// Config 出块循环参数
type Config struct {
	ValidatorAddress string        // 本节点的验证者地址
	BatchSize        int           // 每块最大交易数
	BlockInterval    time.Duration // 出块超时，与批量触发先到先得
}

// Producer 出块循环
//
// 每轮走完整的承诺-揭示-选举流程：本节点提交并揭示秘密值，
// 汇总轮次熵后做加权选举；只有当选时才打包区块。区块追加、
// 交易标记、出块者声誉更新和审计条目在同一个原子单元内落库，
// Kafka分发在提交之后进行，失败只影响下游，不影响链状态。
type Producer struct {
	cfg     Config
	store   *store.Store
	engine  *consensus.Engine
	commits *consensus.CommitStore
	tracker *progress.Manager
	pub     audit.Publisher
	logger  *logrus.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProducer 创建出块循环
func NewProducer(cfg Config, st *store.Store, engine *consensus.Engine,
	commits *consensus.CommitStore, tracker *progress.Manager,
	pub audit.Publisher, logger *logrus.Logger) (*Producer, error) {

	if cfg.ValidatorAddress == "" {
		return nil, chainerrors.NewChainError(chainerrors.ErrorTypeConfig, chainerrors.SeverityHigh,
			"MISSING_VALIDATOR_ADDRESS", "出块节点必须配置验证者地址")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 10 * time.Second
	}

	return &Producer{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		commits: commits,
		tracker: tracker,
		pub:     pub,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start 启动出块循环
//
// 到达出块间隔或待打包交易攒满一批，先到者触发一轮出块。
func (p *Producer) Start(ctx context.Context) {
	go p.run(ctx)
	p.logger.WithFields(logrus.Fields{
		"validator":      p.cfg.ValidatorAddress,
		"batch_size":     p.cfg.BatchSize,
		"block_interval": p.cfg.BlockInterval,
	}).Info("出块循环已启动")
}

// Stop 停止出块循环，等待当前轮次结束
func (p *Producer) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.doneCh:
		p.logger.Info("出块循环已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待出块循环停止超时: %w", ctx.Err())
	}
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.doneCh)

	intervalTicker := time.NewTicker(p.cfg.BlockInterval)
	defer intervalTicker.Stop()

	// 批量触发的轮询间隔远小于出块间隔
	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-intervalTicker.C:
			p.produceOnce(ctx, "interval")
		case <-pollTicker.C:
			pending, err := p.store.PendingTransactions(ctx, p.cfg.BatchSize)
			if err != nil {
				p.logger.Errorf("查询待打包交易失败: %v", err)
				continue
			}
			if len(pending) >= p.cfg.BatchSize {
				p.produceOnce(ctx, "batch_full")
				intervalTicker.Reset(p.cfg.BlockInterval)
			}
		}
	}
}

// produceOnce 执行一轮出块
func (p *Producer) produceOnce(ctx context.Context, trigger string) {
	if err := p.produceBlock(ctx, trigger); err != nil {
		// 共识类错误（落选、重复承诺、无有效揭示）属于正常轮次结果
		if ce := chainerrors.AsChainError(err); ce != nil && ce.Type == chainerrors.ErrorTypeConsensus {
			p.logger.Debugf("本轮未出块: %v", err)
			return
		}
		p.logger.Errorf("出块失败: %v", err)
	}
}

func (p *Producer) produceBlock(ctx context.Context, trigger string) error {
	now := time.Now().UTC()

	head, err := p.store.Head(ctx)
	if err != nil {
		return err
	}
	// 轮次编号即目标区块高度
	var round uint64
	if head != nil {
		round = head.Height + 1
	}

	hashes, err := p.store.PendingTransactions(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		// 没有待打包交易，不生产空区块
		return nil
	}

	selected, err := p.runElection(ctx, round, now)
	if err != nil {
		return err
	}
	if selected.Address != p.cfg.ValidatorAddress {
		p.logger.WithFields(logrus.Fields{
			"round":    round,
			"selected": selected.Address,
		}).Debug("本轮出块权属于其他验证者")
		return nil
	}

	block := buildBlock(head, selected, hashes, now)
	if err := consensus.VerifyProposal(head, block); err != nil {
		return err
	}

	err = p.store.WithinTx(ctx, func(tx *store.Tx) error {
		// 重新锁定链头，防止并发出块造成分叉
		current, err := tx.HeadForUpdate()
		if err != nil {
			return err
		}
		if err := consensus.VerifyProposal(current, block); err != nil {
			return err
		}

		if err := tx.AppendBlock(block); err != nil {
			return err
		}
		for _, h := range block.TxHashes {
			if err := tx.MarkIncluded(h, block.Height); err != nil {
				return err
			}
		}
		if err := p.engine.MarkSelected(tx, selected.Address, now); err != nil {
			return err
		}
		if err := p.engine.RecordProposed(tx, selected.Address); err != nil {
			return err
		}

		return tx.AppendAudit(&models.AuditEntry{
			OperationID: block.Hash,
			Actor:       selected.Address,
			Kind:        string(models.OpProposeBlock),
			Amount:      uint64(block.TxCount),
			Outcome:     models.AuditOutcomeBlock,
			Detail:      fmt.Sprintf("height=%d trigger=%s", block.Height, trigger),
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}

	if err := p.tracker.RecordBlock(block.Height, block.TxCount); err != nil {
		p.logger.Warnf("记录出块进度失败: %v", err)
	}

	// 区块已落库，Kafka分发失败不回滚链状态
	publishErr := retry.RetryNetworkOperation(ctx, "publish_block", func() error {
		return p.pub.PublishBlock(block)
	}, p.logger)
	if publishErr != nil {
		p.logger.Errorf("区块 %d 分发失败: %v", block.Height, publishErr)
	}

	if err := p.commits.PruneRound(round); err != nil {
		p.logger.Warnf("清理第 %d 轮承诺记录失败: %v", round, err)
	}

	p.logger.WithFields(logrus.Fields{
		"height":   block.Height,
		"hash":     block.Hash,
		"producer": block.Producer,
		"tx_count": block.TxCount,
		"trigger":  trigger,
	}).Info("区块已追加")
	return nil
}

// runElection 执行本轮承诺-揭示并选出出块者
func (p *Producer) runElection(ctx context.Context, round uint64, now time.Time) (*models.ValidatorRecord, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("生成选举秘密值失败: %w", err)
	}

	err := p.commits.Commit(round, p.cfg.ValidatorAddress, consensus.ComputeCommitment(secret), now)
	switch {
	case err == nil:
		if err := p.commits.Reveal(round, p.cfg.ValidatorAddress, secret, now); err != nil {
			return nil, err
		}
	default:
		// 上一次触发已为本轮提交并揭示过，沿用已有的承诺记录
		ce := chainerrors.AsChainError(err)
		if ce == nil || ce.Code != "DUPLICATE_COMMITMENT" {
			return nil, err
		}
	}

	// 超时未揭示的验证者记为缺席
	expired, err := p.commits.ExpireStale(round, now)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		err = p.store.WithinTx(ctx, func(tx *store.Tx) error {
			for _, addr := range expired {
				if err := p.engine.RecordMissed(tx, addr); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	entropy, err := p.commits.RoundEntropy(round)
	if err != nil {
		return nil, err
	}

	validators, err := p.store.ListValidators(ctx)
	if err != nil {
		return nil, err
	}
	return p.engine.SelectProducer(validators, entropy, now)
}

// buildBlock 组装候选区块
func buildBlock(head *models.Block, producer *models.ValidatorRecord, hashes []string, now time.Time) *models.Block {
	block := &models.Block{
		PreviousHash: models.GenesisPreviousHash,
		Producer:     producer.Address,
		Constituency: string(producer.Constituency),
		Timestamp:    now,
		TxHashes:     hashes,
		TxCount:      len(hashes),
	}
	if head != nil {
		block.Height = head.Height + 1
		block.PreviousHash = head.Hash
	}
	block.Hash = block.ComputeHash()
	return block
}
