package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/logger"
	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
	"github.com/bageyalu160/universal-scraper-auto-sub000/proxypool/model"
)

// FileSource 实现了 Source 接口，从本地文件读取候选代理。
// 每行可以是 "ip:port"、一个 {ip, port} JSON 对象（JSON-lines），
// 或以 # 开头的注释。
type FileSource struct {
	name string
	path string
}

// NewFileSource 创建一个新的 FileSource 实例。
func NewFileSource(cfg *types.SourceConf) *FileSource {
	return &FileSource{
		name: cfg.Name,
		path: cfg.Path,
	}
}

func (s *FileSource) Name() string { return s.name }
func (s *FileSource) Type() string { return "file" }

// Fetch 执行读取操作。
func (s *FileSource) Fetch(ctx context.Context) ([]model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Source")

	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file %s: %w", s.path, err)
	}
	defer file.Close()

	var proxies []model.Proxy
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, ok := parseFileLine(line)
		if !ok {
			l.Warn().Str("source", s.name).Int("line", lineNum).Msg("Skipping malformed line in proxy file.")
			continue
		}
		proxies = append(proxies, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Str("source", s.name).Int("count", len(proxies)).Msg("File source loaded.")
	return proxies, nil
}

func parseFileLine(line string) (model.Proxy, bool) {
	if strings.HasPrefix(line, "{") {
		return decodeCandidate(json.RawMessage(line))
	}

	p, err := model.FromHostPort(line)
	return p, err == nil
}
