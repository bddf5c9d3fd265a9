package fetch

import (
	"net/http"
	"regexp"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
)

// blockStatusCodes 直接判定为封锁的状态码。
var blockStatusCodes = map[int]bool{
	http.StatusForbidden:          true,
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
}

// defaultBlockPatterns 是内置的封锁特征列表（中英双语）。
// 特征以数据而不是代码的形式维护，扩充时不需要动控制流。
var defaultBlockPatterns = []string{
	`(?i)captcha`,
	`(?i)\bblocked\b`,
	`(?i)access denied`,
	`(?i)too many requests`,
	`(?i)unusual traffic`,
	`(?i)robot check`,
	`(?i)are you a human`,
	`验证码`,
	`访问受限`,
	`访问异常`,
	`异常流量`,
	`请求过于频繁`,
}

// BlockDetector 根据状态码与响应体特征判断目标是否识破并拒绝了
// 自动化流量。
type BlockDetector struct {
	patterns []*regexp.Regexp
}

// NewBlockDetector 构建检测器。extraPatterns 追加在内置列表之后，
// 编译失败的条目记日志后跳过。
func NewBlockDetector(extraPatterns []string) *BlockDetector {
	l := logger.WithComponent("Fetch/BlockDetector")

	all := make([]string, 0, len(defaultBlockPatterns)+len(extraPatterns))
	all = append(all, defaultBlockPatterns...)
	all = append(all, extraPatterns...)

	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, pattern := range all {
		re, err := regexp.Compile(pattern)
		if err != nil {
			l.Warn().Err(err).Str("pattern", pattern).Msg("Invalid blocking pattern, skipping.")
			continue
		}
		compiled = append(compiled, re)
	}
	return &BlockDetector{patterns: compiled}
}

// Blocked 判断一次响应是否是封锁响应。
func (d *BlockDetector) Blocked(statusCode int, body []byte) bool {
	if blockStatusCodes[statusCode] {
		return true
	}
	for _, re := range d.patterns {
		if re.Match(body) {
			return true
		}
	}
	return false
}
