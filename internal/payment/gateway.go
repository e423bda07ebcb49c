package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/storage/snapshot"
	"AgentMesh/internal/task"
	"AgentMesh/internal/web3"
	"AgentMesh/pkg/logger"
)

// FeeSchedule 提供每位专家的调用费用，由专家注册表实现。
type FeeSchedule interface {
	Fee(specialistID string) float64
}

// LogEntry 是支付流水中的一条记录。
type LogEntry struct {
	TaskID     string             `json:"task_id"`
	Specialist string             `json:"specialist"`
	Record     task.PaymentRecord `json:"record"`
}

// Gateway 决定专家调用是否计费、执行费用结算并维护支付流水。
// 结算失败默认降级为一条未结算（pending）凭证，任务照常推进；
// strict 模式下结算失败会作为一等失败向上传递。
type Gateway struct {
	mu       sync.Mutex
	settler  web3.Settler
	fees     FeeSchedule
	guard    *ReplayGuard
	payTo    string
	asset    string
	networks []string
	strict   bool
	log      []LogEntry
	repo     snapshot.Repository
}

// GatewayConfig 汇总 Gateway 的构造参数。
type GatewayConfig struct {
	Settler web3.Settler
	Fees    FeeSchedule
	Guard   *ReplayGuard
	// PayTo 是收款地址，写入支付要求文档与结算请求。
	PayTo string
	// Asset 是计价资产符号，如 ETH。
	Asset string
	// Networks 是可接受的结算网络，第一个为主网络，其余为备选。
	Networks []string
	// Strict 为 true 时结算失败会判定任务失败。
	Strict bool
	// Repository 用于持久化支付流水，可为空。
	Repo snapshot.Repository
}

// NewGateway 构造支付网关，并从流水快照恢复历史记录。
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	g := &Gateway{
		settler:  cfg.Settler,
		fees:     cfg.Fees,
		guard:    cfg.Guard,
		payTo:    cfg.PayTo,
		asset:    cfg.Asset,
		networks: cfg.Networks,
		strict:   cfg.Strict,
		repo:     cfg.Repo,
	}
	if g.asset == "" {
		g.asset = "ETH"
	}
	if len(g.networks) == 0 {
		g.networks = []string{"base"}
	}
	if g.repo != nil {
		restored := make([]LogEntry, 0)
		if err := g.repo.Load(&restored); err != nil {
			if !stdErrors.Is(err, snapshot.ErrNotExist) {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复支付流水失败")
			}
		} else {
			g.log = restored
		}
	}
	return g, nil
}

// IsPriced 判断专家调用是否需要付费。
func (g *Gateway) IsPriced(specialistID string) bool {
	if g == nil || g.fees == nil {
		return false
	}
	return g.fees.Fee(specialistID) > 0
}

// Fee 返回专家的费用。
func (g *Gateway) Fee(specialistID string) float64 {
	if g == nil || g.fees == nil {
		return 0
	}
	return g.fees.Fee(specialistID)
}

// Balance 查询请求方账户的余额，用于 enforce 模式下的余额闸口。
func (g *Gateway) Balance(ctx context.Context, account string) (*big.Int, error) {
	if g == nil || g.settler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置结算客户端")
	}
	return g.settler.Balance(ctx, account)
}

// Charge 为一次专家调用执行费用结算并返回支付凭证。
// 返回的凭证总是有效的（即便结算失败），strict 模式下同时返回错误。
func (g *Gateway) Charge(ctx context.Context, specialistID, taskID string) (task.PaymentRecord, error) {
	fee := g.Fee(specialistID)
	record := task.PaymentRecord{
		Amount:    fee,
		Currency:  g.asset,
		Network:   g.networks[0],
		Recipient: g.payTo,
		Status:    task.PaymentPending,
		CreatedAt: time.Now().Unix(),
	}
	if fee <= 0 {
		record.Status = task.PaymentCompleted
		return record, nil
	}

	var settleErr error
	if g.settler == nil {
		settleErr = xerrors.New(xerrors.CodeInitializationFailure, "未配置结算客户端")
	} else {
		txHash, err := g.settler.Settle(ctx, web3.SettlementRequest{
			Network:   record.Network,
			Recipient: g.payTo,
			Amount:    web3.ToWei(fee),
			Memo:      taskID,
		})
		if err != nil {
			settleErr = err
		} else {
			record.TxHash = txHash
			record.Status = task.PaymentCompleted
		}
	}

	if settleErr != nil {
		logger.L().Warn("费用结算失败，记录未结算凭证",
			slog.Any("error", settleErr),
			slog.String("task_id", taskID),
			slog.String("specialist", specialistID),
		)
		if g.strict {
			record.Status = task.PaymentFailed
		}
	} else {
		logger.Audit().Info("费用结算完成",
			slog.String("task_id", taskID),
			slog.String("specialist", specialistID),
			slog.Float64("amount", fee),
			slog.String("tx_hash", record.TxHash),
		)
	}

	g.append(LogEntry{TaskID: taskID, Specialist: specialistID, Record: record})

	if settleErr != nil && g.strict {
		return record, xerrors.Wrap(xerrors.CodeSettlementFailure, settleErr, "费用结算失败")
	}
	return record, nil
}

// append 追加流水并整体持久化。
func (g *Gateway) append(entry LogEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = append(g.log, entry)
	if g.repo != nil {
		if err := g.repo.Save(g.log); err != nil {
			logger.L().Error("持久化支付流水失败", slog.Any("error", err))
		}
	}
}

// Log 返回支付流水的拷贝。
func (g *Gateway) Log() []LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]LogEntry(nil), g.log...)
}

// VerifyInbound 对入站付费请求做校验。
// 返回非空的 RequiredResponse 表示需要先付费；返回错误表示签名被拒绝。
// 两者都为空时请求被接受，签名（若有）已被标记消费。
func (g *Gateway) VerifyInbound(specialistID, signature string) (*RequiredResponse, error) {
	fee := g.Fee(specialistID)
	if fee <= 0 {
		return nil, nil
	}
	if signature == "" {
		return g.Requirements(specialistID), nil
	}
	if g.guard == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置回放保护")
	}
	if err := g.guard.Consume(signature); err != nil {
		return nil, err
	}
	return nil, nil
}
