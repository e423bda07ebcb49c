package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/web3"
	"AgentMesh/pkg/logger"
)

// Anchor 把专家信誉摘要的哈希锚定到链上，为线下账本提供可核验的存证。
// 锚定交易金额为零，摘要写在交易备注里。
type Anchor struct {
	ledger  *Ledger
	settler web3.Settler
	network string
	account string
}

// NewAnchor 构造信誉锚定器。
func NewAnchor(ledger *Ledger, settler web3.Settler, network, account string) (*Anchor, error) {
	if ledger == nil || settler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "锚定器需要账本与结算服务")
	}
	if strings.TrimSpace(account) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锚定账户不能为空")
	}
	return &Anchor{ledger: ledger, settler: settler, network: network, account: account}, nil
}

// Sync 为所有自上次锚定后发生变化的专家记录上链存证，返回锚定数量。
func (a *Anchor) Sync(ctx context.Context) (int, error) {
	anchored := 0
	for _, record := range a.ledger.PendingSync() {
		digest, err := digestOf(record)
		if err != nil {
			return anchored, err
		}
		txHash, err := a.settler.Settle(ctx, web3.SettlementRequest{
			Network:   a.network,
			Recipient: a.account,
			Amount:    big.NewInt(0),
			Memo:      fmt.Sprintf("reputation:%s:%s", record.ID, digest),
		})
		if err != nil {
			return anchored, xerrors.Wrap(xerrors.CodeSettlementFailure, err,
				"锚定信誉摘要失败: "+record.ID)
		}
		a.ledger.MarkSynced(record.ID, time.Now())
		logger.Audit().Info("信誉摘要已锚定",
			slog.String("specialist", record.ID),
			slog.String("digest", digest),
			slog.String("tx_hash", txHash),
		)
		anchored++
	}
	return anchored, nil
}

// StartSync 启动后台协程周期性执行 Sync，直到 ctx 取消。
func (a *Anchor) StartSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Sync(ctx); err != nil {
					logger.L().Warn("信誉锚定失败", slog.Any("error", err))
				}
			}
		}
	}()
}

// digestOf 计算专家记录的稳定摘要。投票明细与同步时间戳不参与哈希，
// 保证同一计数状态产生同一摘要。
func digestOf(record SpecialistRecord) (string, error) {
	record.History = nil
	record.LastSyncedAt = 0
	raw, err := json.Marshal(record)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码信誉摘要失败")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
