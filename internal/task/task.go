package task

import (
	xerrors "AgentMesh/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusRouting         Status = "routing"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// statusRank 约束状态机只能向前推进。processing 允许在多跳执行时重复进入。
var statusRank = map[Status]int{
	StatusPending:         0,
	StatusRouting:         1,
	StatusAwaitingPayment: 2,
	StatusProcessing:      3,
	StatusCompleted:       4,
	StatusFailed:          4,
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	_, ok := statusRank[status]
	return ok
}

// CanTransition 判断状态能否从 from 推进到 to。
// 终态之后不允许任何状态变化；同状态更新（如多跳进度）被允许。
func CanTransition(from, to Status) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) {
		return false
	}
	if from.Terminal() {
		return from == to
	}
	return statusRank[to] >= statusRank[from]
}

// PaymentStatus 表示一条支付凭证的结算状态。
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentRecord 记录一次已结算或尝试结算的调用费用。
// 带交易哈希的记录视为已完成，否则为待结算或失败。
type PaymentRecord struct {
	Amount    float64       `json:"amount"`
	Currency  string        `json:"currency"`
	Network   string        `json:"network"`
	Recipient string        `json:"recipient"`
	TxHash    string        `json:"tx_hash,omitempty"`
	Status    PaymentStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
}

// Message 是任务审计日志中的一条参与方通告。
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Task 描述了一次调度请求的完整生命周期。
type Task struct {
	ID          string          `json:"id"`
	Request     string          `json:"request"`
	RequesterID string          `json:"requester_id,omitempty"`
	Specialist  string          `json:"specialist"`
	Status      Status          `json:"status"`
	Payments    []PaymentRecord `json:"payments"`
	Messages    []Message       `json:"messages"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskTerminal 表示任务已进入终态，不允许继续修改。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already finalized", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskRegression 表示请求的状态变更违反了只进不退的状态机约束。
	ErrTaskRegression = xerrors.New(CodeTaskRegression, "task status may only move forward", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAppendOnly 表示 payments 或 messages 列表被截断。
	ErrAppendOnly = xerrors.New(CodeTaskAppendOnly, "payments and messages are append-only", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeTaskRegression xerrors.Code = "TASK_STATUS_REGRESSION"
	CodeTaskAppendOnly xerrors.Code = "TASK_APPEND_ONLY"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskExecution  xerrors.Code = "TASK_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already finalized",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskRegression, xerrors.Attributes{
		Message:   "task status may only move forward",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskAppendOnly, xerrors.Attributes{
		Message:   "payments and messages are append-only",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExecution, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Clone 返回任务的深拷贝，订阅者收到的快照均基于该方法。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Payments != nil {
		clone.Payments = append([]PaymentRecord(nil), t.Payments...)
	}
	if t.Messages != nil {
		clone.Messages = append([]Message(nil), t.Messages...)
	}
	clone.Metadata = cloneAnyMap(t.Metadata)
	clone.Result = cloneAnyMap(t.Result)
	return &clone
}

// AppendMessage 追加一条审计通告。
func (t *Task) AppendMessage(from, to, content string, now int64) {
	t.Messages = append(t.Messages, Message{From: from, To: to, Content: content, CreatedAt: now})
}

// AppendPayment 追加一条支付凭证。
func (t *Task) AppendPayment(record PaymentRecord) {
	t.Payments = append(t.Payments, record)
}

// SetMeta 写入任务元数据，按需初始化。
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
