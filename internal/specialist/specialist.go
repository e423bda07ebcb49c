package specialist

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentMesh/internal/errors"
)

// ReportedPayment 是专家在响应中自行申报的支付信息，
// 由编排层折叠进任务的支付凭证列表。
type ReportedPayment struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Network  string  `json:"network"`
	TxHash   string  `json:"tx_hash,omitempty"`
}

// Result 是一次专家调用的结构化结果。
type Result struct {
	Success bool             `json:"success"`
	Reply   string           `json:"reply"`
	Data    map[string]any   `json:"data,omitempty"`
	Payment *ReportedPayment `json:"payment,omitempty"`
}

// Specialist 是可插拔的工作方：接受请求文本并返回结构化结果。
// 调用可能被计费，费用由 Fee 声明，单位与网关配置的结算货币一致。
type Specialist interface {
	ID() string
	Description() string
	Fee() float64
	Handle(ctx context.Context, request string) (*Result, error)
}

// ErrUnknownSpecialist 表示注册表中不存在请求的专家。
var ErrUnknownSpecialist = xerrors.New(xerrors.CodeNotFound, "unknown specialist")

// Registry 以字符串 ID 管理专家，新增专家无需改动编排层的控制流。
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Specialist
}

// NewRegistry 创建注册表。
func NewRegistry(specialists ...Specialist) *Registry {
	r := &Registry{byID: make(map[string]Specialist, len(specialists))}
	for _, s := range specialists {
		r.Register(s)
	}
	return r
}

// Register 注册或覆盖一位专家。
func (r *Registry) Register(s Specialist) {
	if s == nil || s.ID() == "" {
		return
	}
	r.mu.Lock()
	r.byID[s.ID()] = s
	r.mu.Unlock()
}

// Get 返回指定 ID 的专家。
func (r *Registry) Get(id string) (Specialist, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownSpecialist
	}
	return s, nil
}

// Fee 返回指定专家的费用，未注册时返回 0。
func (r *Registry) Fee(id string) float64 {
	s, err := r.Get(id)
	if err != nil {
		return 0
	}
	return s.Fee()
}

// IDs 返回全部已注册专家的 ID，按字典序排序。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
