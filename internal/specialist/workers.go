package specialist

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// 内置的启发式专家。它们不访问外部模型，仅根据请求文本生成
// 结构可用的演示结果；真实部署时按需替换为接入实际服务的实现。

var symbolPattern = regexp.MustCompile(`\b[A-Z]{2,10}\b`)

// 常见大写词不应被当作代币符号。
var symbolStopwords = map[string]struct{}{
	"IS": {}, "A": {}, "THE": {}, "BUY": {}, "SELL": {}, "OK": {},
	"AND": {}, "OR": {}, "NOT": {}, "FOR": {}, "USD": {}, "AI": {},
}

// ExtractSymbol 从请求文本中提取最可能的资产符号，找不到时返回空串。
func ExtractSymbol(text string) string {
	for _, candidate := range symbolPattern.FindAllString(text, -1) {
		if _, skip := symbolStopwords[candidate]; !skip {
			return candidate
		}
	}
	return ""
}

// seed 将文本映射为稳定的伪随机数，保证同一请求的结果可复现。
func seed(text string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	return h.Sum32()
}

// Prediction 给出资产走势研判。
type Prediction struct {
	Price float64
}

func (p *Prediction) ID() string          { return "prediction" }
func (p *Prediction) Description() string { return "price outlook and conviction calls" }
func (p *Prediction) Fee() float64        { return p.Price }

func (p *Prediction) Handle(_ context.Context, request string) (*Result, error) {
	symbol := ExtractSymbol(request)
	if symbol == "" {
		symbol = "SOL"
	}
	s := seed(request)
	confidence := 55 + int(s%40)
	direction := "bullish"
	if s%5 == 0 {
		direction = "bearish"
	}
	reply := fmt.Sprintf("Outlook for %s: %s with %d%% confidence over the next 24h.",
		symbol, direction, confidence)
	return &Result{
		Success: true,
		Reply:   reply,
		Data: map[string]any{
			"token":      symbol,
			"direction":  direction,
			"confidence": confidence,
		},
	}, nil
}

// Trading 模拟一笔市价单执行，并自行申报网络手续费。
type Trading struct {
	Price float64
}

func (t *Trading) ID() string          { return "trading" }
func (t *Trading) Description() string { return "order execution on supported venues" }
func (t *Trading) Fee() float64        { return t.Price }

func (t *Trading) Handle(_ context.Context, request string) (*Result, error) {
	symbol := ExtractSymbol(request)
	if symbol == "" {
		symbol = "SOL"
	}
	side := "buy"
	if strings.Contains(strings.ToLower(request), "sell") {
		side = "sell"
	}
	s := seed(request)
	amount := float64(1+s%100) / 10
	orderID := fmt.Sprintf("ord-%08x", s)
	reply := fmt.Sprintf("Executed simulated %s of %.1f %s (order %s).", side, amount, symbol, orderID)
	return &Result{
		Success: true,
		Reply:   reply,
		Data: map[string]any{
			"token":    symbol,
			"side":     side,
			"amount":   amount,
			"order_id": orderID,
		},
		Payment: &ReportedPayment{
			Amount:   0.00005,
			Currency: "ETH",
			Network:  "base",
		},
	}, nil
}

// Sentiment 汇总社区情绪并挑选热度最高的资产。
type Sentiment struct {
	Price float64
}

func (s *Sentiment) ID() string          { return "sentiment" }
func (s *Sentiment) Description() string { return "community mood and trend scan" }
func (s *Sentiment) Fee() float64        { return s.Price }

var trendingPool = []string{"BONK", "WIF", "JUP", "PYTH", "RAY"}

func (s *Sentiment) Handle(_ context.Context, request string) (*Result, error) {
	symbol := ExtractSymbol(request)
	seedValue := seed(request)
	if symbol == "" {
		symbol = trendingPool[seedValue%uint32(len(trendingPool))]
	}
	score := 40 + int(seedValue%55)
	mood := "neutral"
	switch {
	case score >= 70:
		mood = "euphoric"
	case score >= 55:
		mood = "positive"
	case score < 45:
		mood = "fearful"
	}
	reply := fmt.Sprintf("Social scan puts %s at sentiment %d/100 (%s).", symbol, score, mood)
	return &Result{
		Success: true,
		Reply:   reply,
		Data: map[string]any{
			"token": symbol,
			"score": score,
			"mood":  mood,
		},
	}, nil
}

// Research 输出简短的对象背景说明。
type Research struct {
	Price float64
}

func (r *Research) ID() string          { return "research" }
func (r *Research) Description() string { return "asset background briefs" }
func (r *Research) Fee() float64        { return r.Price }

func (r *Research) Handle(_ context.Context, request string) (*Result, error) {
	symbol := ExtractSymbol(request)
	topic := symbol
	if topic == "" {
		topic = "the requested topic"
	}
	reply := fmt.Sprintf("Brief on %s: market positioning, recent catalysts and principal risks compiled from cached sources.", topic)
	return &Result{
		Success: true,
		Reply:   reply,
		Data:    map[string]any{"token": symbol},
	}, nil
}

// General 是兜底专家，处理未被任何规则命中的请求。
type General struct{}

func (g *General) ID() string          { return "general" }
func (g *General) Description() string { return "fallback assistant" }
func (g *General) Fee() float64        { return 0 }

func (g *General) Handle(_ context.Context, request string) (*Result, error) {
	return &Result{
		Success: true,
		Reply:   fmt.Sprintf("No specialist matched this request, handled generically: %q", strings.TrimSpace(request)),
	}, nil
}

// DefaultRegistry 构造内置专家的注册表，费用采用演示定价。
func DefaultRegistry() *Registry {
	return NewRegistry(
		&Prediction{Price: 0.001},
		&Trading{Price: 0.002},
		&Sentiment{Price: 0.0005},
		&Research{Price: 0},
		&General{},
	)
}

var (
	_ Specialist = (*Prediction)(nil)
	_ Specialist = (*Trading)(nil)
	_ Specialist = (*Sentiment)(nil)
	_ Specialist = (*Research)(nil)
	_ Specialist = (*General)(nil)
)
