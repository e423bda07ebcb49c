package router

import (
	"regexp"
	"strings"
)

// Rule 将一组正则模式与某位专家关联，命中一次即累加该规则的权重。
type Rule struct {
	Specialist string
	Patterns   []*regexp.Regexp
	Weight     int
}

// Router 根据加权规则表为自由文本请求挑选专家。
// 规则表是有序切片，得分相同的专家按声明顺序保持优先级，保证路由可复现。
type Router struct {
	rules    []Rule
	fallback string
	hops     []hopPattern
}

// hopPattern 描述需要拆分为多跳流水线的关键词组合。
type hopPattern struct {
	first    *regexp.Regexp
	second   *regexp.Regexp
	pipeline []string
}

// Option 定义可选的 Router 配置。
type Option func(*Router)

// WithFallback 指定没有任何规则命中时返回的专家。
func WithFallback(specialist string) Option {
	return func(r *Router) {
		if specialist != "" {
			r.fallback = specialist
		}
	}
}

// New 基于给定规则表构造 Router。
func New(rules []Rule, opts ...Option) *Router {
	r := &Router{
		rules:    rules,
		fallback: "general",
		hops:     defaultHopPatterns(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Route 返回与请求文本最匹配的专家。所有模式都会在小写文本上逐一测试，
// 没有正分时返回兜底专家。
func (r *Router) Route(request string) string {
	text := strings.ToLower(request)

	// order 记录专家首次出现的位置，用于平局时保持声明顺序。
	scores := make(map[string]int)
	order := make([]string, 0, len(r.rules))

	for _, rule := range r.rules {
		if _, seen := scores[rule.Specialist]; !seen {
			scores[rule.Specialist] = 0
			order = append(order, rule.Specialist)
		}
		for _, pattern := range rule.Patterns {
			if pattern.MatchString(text) {
				scores[rule.Specialist] += rule.Weight
			}
		}
	}

	best := ""
	bestScore := 0
	for _, specialist := range order {
		if scores[specialist] > bestScore {
			best = specialist
			bestScore = scores[specialist]
		}
	}
	if bestScore <= 0 {
		return r.fallback
	}
	return best
}

// DetectMultiHop 检查文本是否同时命中分析意图与执行意图，
// 命中时返回由 2 个以上专家组成的有序流水线，否则返回 nil。
func (r *Router) DetectMultiHop(request string) []string {
	text := strings.ToLower(request)
	for _, hop := range r.hops {
		if hop.first.MatchString(text) && hop.second.MatchString(text) {
			return append([]string(nil), hop.pipeline...)
		}
	}
	return nil
}

func defaultHopPatterns() []hopPattern {
	return []hopPattern{
		{
			// 情绪分析 + 交易执行，例如 “buy the most trending token”。
			first:    regexp.MustCompile(`trending|sentiment|hottest|most popular|buzz`),
			second:   regexp.MustCompile(`\bbuy\b|\bsell\b|\btrade\b|\bswap\b|execute`),
			pipeline: []string{"sentiment", "trading"},
		},
		{
			// 价格研判 + 交易执行，例如 “sell if the forecast turns bearish”。
			first:    regexp.MustCompile(`predict|forecast|outlook`),
			second:   regexp.MustCompile(`\bbuy\b|\bsell\b|\btrade\b|\bswap\b`),
			pipeline: []string{"prediction", "trading"},
		},
	}
}

// DefaultRules 返回内置的路由规则表。顺序即优先级。
func DefaultRules() []Rule {
	return []Rule{
		{
			Specialist: "prediction",
			Weight:     3,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`good buy`),
				regexp.MustCompile(`predict|forecast|outlook`),
				regexp.MustCompile(`price target|worth (buying|holding)`),
				regexp.MustCompile(`\bmoon\b|\bdip\b`),
			},
		},
		{
			Specialist: "trading",
			Weight:     2,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\bbuy\b|\bsell\b|\bswap\b|\btrade\b`),
				regexp.MustCompile(`market order|limit order|execute`),
			},
		},
		{
			Specialist: "sentiment",
			Weight:     2,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`sentiment|trending|\bmood\b|\bbuzz\b`),
				regexp.MustCompile(`social|twitter|community`),
			},
		},
		{
			Specialist: "research",
			Weight:     1,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`research|analy[sz]e|explain|compare`),
				regexp.MustCompile(`what is|how does`),
			},
		},
	}
}
