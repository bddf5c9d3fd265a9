package types

// LogConf 日志配置
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 代理池行为配置
type PoolConf struct {
	MaxFails            int      `ini:"max_fails"`            // 连续失败多少次后逐出活跃集
	UpdateInterval      int      `ini:"update_interval"`      // 池刷新间隔 (秒)
	RecoveryThreshold   int      `ini:"recovery_threshold"`   // 刷新后活跃数低于该值时自动触发恢复
	ValidateTimeout     int      `ini:"validate_timeout"`     // 单个代理探测超时 (秒)
	ValidateConcurrency int      `ini:"validate_concurrency"` // 并发验证的 worker 数
	TestURLs            []string `ini:"test_urls" delim:","`  // 探测地址, 任意一个返回 200 即视为可用
	StatusDir           string   `ini:"status_dir"`           // 池快照落盘目录
}

// PacingConf 请求节奏配置。preset 为空时使用四个自定义参数 (秒)。
type PacingConf struct {
	Preset    string  `ini:"preset"` // ultra_fast / fast / normal / cautious / stealth
	BaseDelay float64 `ini:"base_delay"`
	Variance  float64 `ini:"variance"`
	Increment float64 `ini:"increment"`
	MaxDelay  float64 `ini:"max_delay"`
}

// FetchConf 单次抓取的编排配置
type FetchConf struct {
	MaxRetries         int      `ini:"max_retries"`
	Timeout            int      `ini:"timeout"` // 单次 HTTP 请求超时 (秒)
	ProxyRotationCount int      `ini:"proxy_rotation_count"`
	RotateOnRetry      bool     `ini:"rotate_on_retry"`
	BlockPatterns      []string `ini:"block_patterns" delim:"|"` // 追加的封锁特征正则
}

// WebConf 状态页/控制接口配置, port <= 0 时禁用
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是整个项目的统一行为配置结构体, 由 scraper.ini 映射而来。
type Config struct {
	LogConf    `ini:"log"`
	PoolConf   `ini:"pool"`
	PacingConf `ini:"pacing"`
	FetchConf  `ini:"fetch"`
	WebConf    `ini:"web"`
}

// NewDefaultConfig 返回一份内置默认配置。ini 文件缺失或缺少字段时
// 以它为基准覆盖。
func NewDefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		PoolConf: PoolConf{
			MaxFails:            3,
			UpdateInterval:      3600,
			RecoveryThreshold:   5,
			ValidateTimeout:     10,
			ValidateConcurrency: 10,
			TestURLs:            []string{"https://httpbin.org/ip", "https://www.baidu.com"},
			StatusDir:           "status",
		},
		PacingConf: PacingConf{Preset: "normal"},
		FetchConf: FetchConf{
			MaxRetries:         3,
			Timeout:            30,
			ProxyRotationCount: 10,
			RotateOnRetry:      true,
		},
		WebConf: WebConf{Port: 0},
	}
}

// SourceConf 描述一个代理来源。类型为 api / file / web / script。
type SourceConf struct {
	Type    string            `json:"type"`
	Name    string            `json:"name"`
	URL     string            `json:"url,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`

	// web 类型: 表格行选择器与 IP/端口所在列
	Selector   string `json:"selector,omitempty"`
	IPColumn   int    `json:"ip_column,omitempty"`
	PortColumn int    `json:"port_column,omitempty"`

	// script 类型: 从页面脚本中提取 JSON 数组的变量名
	ScriptVar string `json:"script_var,omitempty"`
}
