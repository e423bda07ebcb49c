package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/payment"
	"AgentMesh/internal/reputation"
	"AgentMesh/internal/specialist"
	"AgentMesh/internal/task"
	"AgentMesh/internal/web3"
	"AgentMesh/pkg/logger"
)

// Processor 从调度队列消费任务并驱动其完整生命周期：
// 路由通告、付费闸口、逐跳执行、结果聚合与终态回调。
type Processor struct {
	store         task.Store
	consumer      Consumer
	registry      *specialist.Registry
	gateway       *payment.Gateway
	ledger        *reputation.Ledger
	notifier      *CallbackNotifier
	workerCount   int
	enforce       bool
	dispatchDelay time.Duration
	hopDelay      time.Duration
	logger        *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithPaymentGateway 启用专家调用计费。
func WithPaymentGateway(gateway *payment.Gateway) ProcessorOption {
	return func(p *Processor) {
		p.gateway = gateway
	}
}

// WithBalanceEnforcement 在进入付费阶段时校验请求方余额。
func WithBalanceEnforcement(enforce bool) ProcessorOption {
	return func(p *Processor) {
		p.enforce = enforce
	}
}

// WithReputationLedger 在任务终态时记录专家的执行结果。
func WithReputationLedger(ledger *reputation.Ledger) ProcessorOption {
	return func(p *Processor) {
		p.ledger = ledger
	}
}

// WithCallbackNotifier 启用终态 webhook 回调。
func WithCallbackNotifier(notifier *CallbackNotifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = notifier
	}
}

// WithDelays 配置路由与多跳之间的模拟时延。
func WithDelays(dispatchDelay, hopDelay time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.dispatchDelay = dispatchDelay
		p.hopDelay = hopDelay
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store task.Store, consumer Consumer, registry *specialist.Registry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		registry:    registry,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条队列消息。业务失败写入任务终态并返回 nil，
// 只有存储类错误才向队列报告，避免失败任务被反复重投。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	t, err := p.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, task.ErrTaskNotFound) {
			p.logDebug("跳过不存在的任务", slog.String("task_id", taskID))
			return nil
		}
		logger.L().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	if t.Status.Terminal() {
		p.logDebug("跳过已终结的任务", slog.String("task_id", taskID), slog.String("status", string(t.Status)))
		return nil
	}

	if p.dispatchDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.dispatchDelay):
		}
	}

	if execErr := p.execute(ctx, t); execErr != nil {
		return p.finalizeFailure(ctx, t, execErr)
	}
	return nil
}

// execute 驱动任务从路由到完成的全部阶段。
func (p *Processor) execute(ctx context.Context, t *task.Task) error {
	pipeline := pipelineOf(t)
	multiHop := len(pipeline) > 1
	dryRun := dryRunOf(t)

	t.Status = task.StatusRouting
	t.AppendMessage("dispatcher", t.Specialist,
		fmt.Sprintf("routing request to %s", t.Specialist), time.Now().Unix())
	if err := p.store.CreateOrUpdate(ctx, t); err != nil {
		return err
	}

	if err := p.paymentGate(ctx, t, pipeline, dryRun); err != nil {
		return err
	}

	steps := make([]map[string]any, 0, len(pipeline))
	carry := t.Request
	var last *specialist.Result

	for i, hop := range pipeline {
		if i > 0 && p.hopDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.hopDelay):
			}
		}

		t.Status = task.StatusProcessing
		if multiHop {
			t.SetMeta(metaCurrentStep, i+1)
			t.SetMeta(metaTotalSteps, len(pipeline))
			t.AppendMessage("dispatcher", hop,
				fmt.Sprintf("step %d/%d delegated to %s", i+1, len(pipeline), hop), time.Now().Unix())
		}
		if err := p.store.CreateOrUpdate(ctx, t); err != nil {
			return err
		}

		worker, err := p.registry.Get(hop)
		if err != nil {
			return err
		}
		result, err := worker.Handle(ctx, carry)
		if err != nil {
			return xerrors.Wrap(task.CodeTaskExecution, err, fmt.Sprintf("专家 %s 执行失败", hop))
		}
		if result == nil || !result.Success {
			// 失败的结果也要留在任务上，供请求方事后检查。
			if result != nil {
				t.Result = map[string]any{
					"success":    false,
					"specialist": hop,
					"reply":      result.Reply,
					"data":       result.Data,
				}
			}
			return xerrors.New(task.CodeTaskExecution, fmt.Sprintf("专家 %s 返回失败结果", hop))
		}

		if !dryRun && p.gateway != nil && p.gateway.IsPriced(hop) {
			record, chargeErr := p.gateway.Charge(ctx, hop, t.ID)
			t.AppendPayment(record)
			if chargeErr != nil {
				_ = p.store.CreateOrUpdate(ctx, t)
				return chargeErr
			}
		}
		if result.Payment != nil {
			t.AppendPayment(reportedToRecord(result.Payment))
		}

		t.AppendMessage(hop, "dispatcher", result.Reply, time.Now().Unix())
		steps = append(steps, map[string]any{
			"specialist": hop,
			"reply":      result.Reply,
			"data":       result.Data,
		})
		last = result

		// 后续跳继承前一跳识别出的资产，保证流水线围绕同一标的。
		if i+1 < len(pipeline) {
			if token, ok := result.Data["token"].(string); ok && token != "" {
				carry = fmt.Sprintf("%s %s", t.Request, token)
			}
		}
	}

	t.Status = task.StatusCompleted
	if multiHop {
		t.Result = map[string]any{
			"multi_hop": true,
			"steps":     steps,
			"reply":     last.Reply,
		}
	} else {
		t.Result = map[string]any{
			"success": true,
			"reply":   last.Reply,
			"data":    last.Data,
		}
	}
	t.AppendMessage("dispatcher", requesterLabel(t), "task completed", time.Now().Unix())
	if err := p.store.CreateOrUpdate(ctx, t); err != nil {
		return err
	}

	logger.Audit().Info("任务执行完成",
		slog.String("task_id", t.ID),
		slog.String("specialist", t.Specialist),
		slog.Bool("multi_hop", multiHop),
		slog.Int("payments", len(t.Payments)),
	)
	if p.ledger != nil {
		for _, hop := range pipeline {
			p.ledger.RecordOutcome(hop, true)
		}
	}
	p.notify(ctx, t)
	return nil
}

// paymentGate 在执行前通告费用并在 enforce 模式下校验请求方余额。
func (p *Processor) paymentGate(ctx context.Context, t *task.Task, pipeline []string, dryRun bool) error {
	if dryRun || p.gateway == nil {
		return nil
	}
	total := 0.0
	for _, hop := range pipeline {
		total += p.gateway.Fee(hop)
	}
	if total <= 0 {
		return nil
	}

	t.Status = task.StatusAwaitingPayment
	t.AppendMessage("dispatcher", requesterLabel(t),
		fmt.Sprintf("specialist fees total %g, settlement will be executed automatically", total),
		time.Now().Unix())
	if err := p.store.CreateOrUpdate(ctx, t); err != nil {
		return err
	}

	if !p.enforce || t.RequesterID == "" {
		return nil
	}
	balance, err := p.gateway.Balance(ctx, t.RequesterID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSettlementFailure, err, "查询请求方余额失败")
	}
	if balance.Cmp(web3.ToWei(total)) < 0 {
		return xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("余额不足以支付 %g 的专家费用", total))
	}
	return nil
}

// finalizeFailure 将任务写入失败终态并触发回调。存储错误原样返回。
func (p *Processor) finalizeFailure(ctx context.Context, t *task.Task, cause error) error {
	code := xerrors.CodeOf(cause)
	t.Status = task.StatusFailed
	t.SetMeta(metaError, cause.Error())
	t.SetMeta(metaErrorCode, string(code))
	t.AppendMessage("dispatcher", requesterLabel(t),
		fmt.Sprintf("task failed: %s", cause.Error()), time.Now().Unix())
	if err := p.store.CreateOrUpdate(ctx, t); err != nil {
		logger.L().Error("写入任务失败状态出错", slog.Any("error", err), slog.String("task_id", t.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", t.ID),
		slog.String("specialist", t.Specialist),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	if p.ledger != nil {
		p.ledger.RecordOutcome(t.Specialist, false)
	}
	p.notify(ctx, t)
	return nil
}

func (p *Processor) notify(ctx context.Context, t *task.Task) {
	if p.notifier == nil || t.CallbackURL == "" {
		return
	}
	if err := p.notifier.Notify(ctx, t); err != nil {
		logger.L().Warn("终态回调失败",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
			slog.String("callback_url", t.CallbackURL),
		)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

// pipelineOf 读取任务元数据中的执行流水线。
// JSON 快照恢复后切片会变成 []any，两种形态都要兼容。
func pipelineOf(t *task.Task) []string {
	raw, ok := t.Metadata[metaPipeline]
	if !ok {
		return []string{t.Specialist}
	}
	switch v := raw.(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		hops := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				hops = append(hops, s)
			}
		}
		if len(hops) > 0 {
			return hops
		}
	}
	return []string{t.Specialist}
}

func dryRunOf(t *task.Task) bool {
	v, ok := t.Metadata[metaDryRun].(bool)
	return ok && v
}

// reportedToRecord 将专家自行申报的支付折叠为标准凭证。
func reportedToRecord(reported *specialist.ReportedPayment) task.PaymentRecord {
	status := task.PaymentPending
	if reported.TxHash != "" {
		status = task.PaymentCompleted
	}
	return task.PaymentRecord{
		Amount:    reported.Amount,
		Currency:  reported.Currency,
		Network:   reported.Network,
		TxHash:    reported.TxHash,
		Status:    status,
		CreatedAt: time.Now().Unix(),
	}
}
