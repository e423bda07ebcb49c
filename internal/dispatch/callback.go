package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/task"
)

// CallbackNotifier 在任务进入终态后向请求方的 webhook 推送任务快照。
// 回调地址来自外部输入，推送前会做目标地址校验，禁止访问内网。
type CallbackNotifier struct {
	client *http.Client
	// lookup 可在测试中替换域名解析。
	lookup func(host string) ([]net.IP, error)
	// AllowPrivate 放行内网地址，仅用于本地联调。
	AllowPrivate bool
}

// NewCallbackNotifier 构造回调推送器。
func NewCallbackNotifier(timeout time.Duration) *CallbackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CallbackNotifier{
		client: &http.Client{Timeout: timeout},
		lookup: net.LookupIP,
	}
}

// callbackPayload 是推送给 webhook 的消息体。
type callbackPayload struct {
	TaskID   string         `json:"task_id"`
	Status   task.Status    `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Notify 校验回调地址后推送任务终态。
func (n *CallbackNotifier) Notify(ctx context.Context, t *task.Task) error {
	if t == nil || t.CallbackURL == "" {
		return nil
	}
	if err := n.ValidateURL(t.CallbackURL); err != nil {
		return err
	}

	body, err := json.Marshal(callbackPayload{
		TaskID:   t.ID,
		Status:   t.Status,
		Result:   t.Result,
		Metadata: t.Metadata,
	})
	if err != nil {
		return fmt.Errorf("序列化回调消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造回调请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("回调请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// ValidateURL 检查回调地址是否指向可公开访问的 HTTP 服务。
// 解析出的任一 IP 落在回环、私有、链路本地或未指定网段都会被拒绝。
func (n *CallbackNotifier) ValidateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "回调地址无法解析")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回调地址必须使用 http 或 https")
	}
	host := parsed.Hostname()
	if host == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回调地址缺少主机名")
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolve := n.lookup
		if resolve == nil {
			resolve = net.LookupIP
		}
		ips, err = resolve(host)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "回调地址解析失败")
		}
	}
	for _, ip := range ips {
		if !n.AllowPrivate && isForbiddenCallbackIP(ip) {
			return xerrors.New(xerrors.CodeForbidden,
				fmt.Sprintf("回调地址指向受限网段: %s", ip))
		}
	}
	return nil
}

func isForbiddenCallbackIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
