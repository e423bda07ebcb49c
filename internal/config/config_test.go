package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "snapshot" {
		t.Fatalf("默认存储驱动应为 snapshot: %s", cfg.Storage.TaskStore.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 1 {
		t.Fatalf("默认队列配置不符: %+v", cfg.Queue)
	}
	if cfg.Payments.SignatureMinLength != 64 {
		t.Fatalf("默认签名长度不符: %d", cfg.Payments.SignatureMinLength)
	}
	if cfg.Payments.UsedSignatureCap != 1000 {
		t.Fatalf("默认签名容量不符: %d", cfg.Payments.UsedSignatureCap)
	}
	if cfg.Payments.PruneIntervalSeconds != 300 {
		t.Fatalf("默认修剪周期不符: %d", cfg.Payments.PruneIntervalSeconds)
	}
	if cfg.Settlement.Provider != "mock" {
		t.Fatalf("默认结算 provider 应为 mock: %s", cfg.Settlement.Provider)
	}
	if cfg.Runtime.DispatchDelayMS != 100 || cfg.Runtime.HopDelayMS != 250 {
		t.Fatalf("默认时延不符: %+v", cfg.Runtime)
	}
	if !filepath.IsAbs(cfg.Runtime.DataDir) {
		t.Fatalf("数据目录应被解析为绝对路径: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
        "server": {"address": ":9090"},
        "dispatch_queue": {"driver": "redis", "workers": 8},
        "payments": {"enforce": true, "strict": true, "pay_to": "0xabc"},
        "settlement": {"provider": "ethereum", "default_network": "base"}
    }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("监听地址覆盖失败: %s", cfg.Server.Address)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 8 {
		t.Fatalf("队列覆盖失败: %+v", cfg.Queue)
	}
	if !cfg.Payments.Enforce || !cfg.Payments.Strict || cfg.Payments.PayTo != "0xabc" {
		t.Fatalf("支付配置覆盖失败: %+v", cfg.Payments)
	}
	if cfg.Settlement.Provider != "ethereum" {
		t.Fatalf("结算配置覆盖失败: %+v", cfg.Settlement)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("不存在的文件应报错")
	}
	bad := writeConfig(t, `{not json`)
	if _, err := Load(bad); err == nil {
		t.Fatalf("非法 JSON 应报错")
	}
}
