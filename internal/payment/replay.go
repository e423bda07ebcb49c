package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/storage/snapshot"
	"AgentMesh/pkg/logger"
)

// ErrReplay 表示支付签名已被消费过。
var ErrReplay = xerrors.New(xerrors.CodePaymentReplay, "支付签名已被使用")

// ReplayGuard 维护已消费的支付签名集合，阻止同一签名被二次使用。
// 校验与写入在同一临界区内完成，并发请求中同一签名只会成功一次。
type ReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]int64
	minLen int
	cap    int
	repo   snapshot.Repository
}

// usedSignature 是持久化文件中的一条记录。时间戳用于裁剪时淘汰最旧的条目。
type usedSignature struct {
	Signature string `json:"signature"`
	SeenAt    int64  `json:"seen_at"`
}

// NewReplayGuard 构造回放保护并从快照恢复已消费的签名。
// minLen 是签名的最小长度，cap 是保留的签名数量上限。
func NewReplayGuard(minLen, cap int, repo snapshot.Repository) (*ReplayGuard, error) {
	if minLen <= 0 {
		minLen = 64
	}
	if cap <= 0 {
		cap = 1000
	}
	g := &ReplayGuard{
		seen:   make(map[string]int64),
		minLen: minLen,
		cap:    cap,
		repo:   repo,
	}
	if repo != nil {
		var restored []usedSignature
		if err := repo.Load(&restored); err != nil {
			if !stdErrors.Is(err, snapshot.ErrNotExist) {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复签名快照失败")
			}
		} else {
			for _, entry := range restored {
				g.seen[entry.Signature] = entry.SeenAt
			}
		}
	}
	return g, nil
}

// Consume 校验并消费一个签名。签名过短或已被使用时返回错误。
func (g *ReplayGuard) Consume(signature string) error {
	if len(signature) < g.minLen {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付签名格式非法")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.seen[signature]; exists {
		return ErrReplay
	}
	g.seen[signature] = time.Now().UnixNano()
	g.persistLocked()
	return nil
}

// Seen 报告签名是否已被消费，仅用于测试与诊断。
func (g *ReplayGuard) Seen(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.seen[signature]
	return exists
}

// Len 返回当前保留的签名数量。
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Prune 将签名集合裁剪到容量上限，淘汰消费时间最早的条目。
// 返回被淘汰的数量。
func (g *ReplayGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	excess := len(g.seen) - g.cap
	if excess <= 0 {
		return 0
	}
	for i := 0; i < excess; i++ {
		oldestSig := ""
		oldestAt := int64(0)
		for sig, at := range g.seen {
			if oldestSig == "" || at < oldestAt {
				oldestSig = sig
				oldestAt = at
			}
		}
		delete(g.seen, oldestSig)
	}
	g.persistLocked()
	return excess
}

// StartPruning 启动后台裁剪循环，ctx 取消后退出。
func (g *ReplayGuard) StartPruning(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pruned := g.Prune(); pruned > 0 {
					logger.L().Info("裁剪过期支付签名", slog.Int("pruned", pruned))
				}
			}
		}
	}()
}

// persistLocked 持久化签名快照，调用方必须持有锁。
// 落盘格式是按消费时间升序排列的数组，重启后最旧的条目排在最前。
func (g *ReplayGuard) persistLocked() {
	if g.repo == nil {
		return
	}
	entries := make([]usedSignature, 0, len(g.seen))
	for sig, at := range g.seen {
		entries = append(entries, usedSignature{Signature: sig, SeenAt: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SeenAt == entries[j].SeenAt {
			return entries[i].Signature < entries[j].Signature
		}
		return entries[i].SeenAt < entries[j].SeenAt
	})
	if err := g.repo.Save(entries); err != nil {
		logger.L().Error("持久化签名快照失败", slog.Any("error", err))
	}
}
