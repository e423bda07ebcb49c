package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Requirement 描述一种可接受的付费方式。
type Requirement struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	PayTo       string `json:"payTo"`
	Description string `json:"description"`
}

// RequiredResponse 是付费闸口返回的要求文档，列出全部可接受的付费方式。
type RequiredResponse struct {
	Error   string        `json:"error"`
	Accepts []Requirement `json:"accepts"`
}

// Requirements 为指定专家生成付费要求文档。
// 每个已配置的结算网络对应一个条目，顺序与配置一致。
func (g *Gateway) Requirements(specialistID string) *RequiredResponse {
	fee := g.Fee(specialistID)
	if fee <= 0 {
		return nil
	}
	accepts := make([]Requirement, 0, len(g.networks))
	for _, network := range g.networks {
		accepts = append(accepts, Requirement{
			Scheme:      "exact",
			Network:     network,
			Asset:       g.asset,
			Amount:      fmt.Sprintf("%g", fee),
			PayTo:       g.payTo,
			Description: fmt.Sprintf("调用专家 %s 的费用", specialistID),
		})
	}
	return &RequiredResponse{
		Error:   "payment required",
		Accepts: accepts,
	}
}

// Encode 将要求文档序列化为 base64 字符串，用于 HTTP 响应头。
func (r *RequiredResponse) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("序列化付费要求失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRequirements 解析 base64 编码的要求文档，供客户端与测试使用。
func DecodeRequirements(encoded string) (*RequiredResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("解码付费要求失败: %w", err)
	}
	var resp RequiredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("解析付费要求失败: %w", err)
	}
	return &resp, nil
}
