package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"github.com/bageyalu160/universal-scraper-auto-sub000/internal/shared/types"
)

// LoadIni 加载 scraper.ini 行为配置文件并映射到 cfg 上。
// cfg 应先用 types.NewDefaultConfig() 初始化，缺失的字段保留默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.WebConf.User, "SCRAPER_WEB_USER")
	overrideFromEnv(&cfg.WebConf.Password, "SCRAPER_WEB_PASSWORD")
	return nil
}

// LoadSources 加载 sources.json 数据文件。
func LoadSources(fileName string) ([]*types.SourceConf, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.SourceConf{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var sources []*types.SourceConf
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources.json: %w", err)
	}
	return sources, nil
}

// SaveSources 将来源配置列表保存到 sources.json。
func SaveSources(fileName string, sources []*types.SourceConf) error {
	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal source configs: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
