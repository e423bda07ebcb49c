package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for diagnostics.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
}

// SettlementRequest describes a single fee payment to execute on chain.
type SettlementRequest struct {
	// Network 是结算网络的名称，对应网络目录中的条目。
	Network string
	// Recipient 是收款地址。
	Recipient string
	// Amount 是以最小面额（wei）表示的金额。
	Amount *big.Int
	// Memo 携带任务 ID 等关联信息，仅用于日志。
	Memo string
}

// Settler 是外部结算服务的接口边界：执行费用支付并查询余额。
// 支付证明的密码学校验委托给结算服务本身，这里不重复实现。
type Settler interface {
	// Settle 执行一笔支付，返回链上交易哈希。
	Settle(ctx context.Context, req SettlementRequest) (string, error)
	// Balance 返回账户的可用余额（wei）。
	Balance(ctx context.Context, account string) (*big.Int, error)
	// Snapshot 返回链的概要信息，用于健康检查。
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// ToWei 将以主币计价的金额转换为 wei。仅用于演示级的费用换算，
// 超出 float64 精度的金额不应经过此路径。
func ToWei(amount float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18))
	result, _ := wei.Int(nil)
	return result
}
