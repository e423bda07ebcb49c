package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMesh/internal/web3"
)

// Config describes how to construct an EVM settlement client.
type Config struct {
	Name       string
	RPCURL     string
	PrivateKey string
	GasLimit   uint64
}

// Settler executes fee payments from a hot wallet on an EVM compatible chain.
type Settler struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	gasLimit  uint64
	mu        sync.Mutex
}

// NewSettler dials the configured RPC endpoint and loads the hot wallet key.
func NewSettler(ctx context.Context, cfg Config) (*Settler, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算链 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接结算节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	settler := &Settler{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       eth,
		chainID:   chainID,
		gasLimit:  cfg.GasLimit,
	}
	if settler.gasLimit == 0 {
		settler.gasLimit = 21000
	}

	if keyHex := strings.TrimSpace(cfg.PrivateKey); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析热钱包私钥失败: %w", err)
		}
		settler.key = key
		settler.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return settler, nil
}

// Settle implements web3.Settler by signing and broadcasting a transfer.
func (s *Settler) Settle(ctx context.Context, req web3.SettlementRequest) (string, error) {
	if s == nil || s.eth == nil {
		return "", errors.New("未初始化的结算客户端")
	}
	if s.key == nil {
		return "", errors.New("结算客户端未配置热钱包私钥")
	}
	// 金额为零的交易用于携带备注的链上存证，负数仍然拒绝。
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return "", errors.New("结算金额不能为负")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("非法的收款地址: %s", recipient)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.eth.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", fmt.Errorf("获取 nonce 失败: %w", err)
	}
	gasPrice, err := s.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("获取 gas 价格失败: %w", err)
	}

	to := common.HexToAddress(recipient)
	data := []byte(req.Memo)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    req.Amount,
		Gas:      settlementGas(s.gasLimit, data),
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("签名结算交易失败: %w", err)
	}
	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("广播结算交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// nonZeroByteGas is the EVM intrinsic gas cost per non-zero calldata byte.
const nonZeroByteGas = 16

// settlementGas adds the calldata cost of the memo to the base transfer limit.
func settlementGas(base uint64, data []byte) uint64 {
	return base + uint64(len(data))*nonZeroByteGas
}

// Balance implements web3.Settler.
func (s *Settler) Balance(ctx context.Context, account string) (*big.Int, error) {
	if s == nil || s.eth == nil {
		return nil, errors.New("未初始化的结算客户端")
	}
	account = strings.TrimSpace(account)
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("非法的账户地址: %s", account)
	}
	balance, err := s.eth.BalanceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// Snapshot implements web3.Settler.
func (s *Settler) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if s == nil || s.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的结算客户端")
	}
	blockNumber, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     "0x" + s.chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

// Close releases network connections held by the settler.
func (s *Settler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eth != nil {
		s.eth.Close()
		s.eth = nil
	}
	if s.rpcClient != nil {
		s.rpcClient.Close()
		s.rpcClient = nil
	}
}

var _ web3.Settler = (*Settler)(nil)
