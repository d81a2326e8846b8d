package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryFile 分区配置文件格式：
//
//	categories:
//	  - id: tokens
//	    priority: high
//	    updateRate: 30
//	    persistent: true
type CategoryFile struct {
	Categories []CategoryConfig `yaml:"categories"`
}

// LoadCategoryFile 读取并校验 YAML 分区配置；未列出的分区沿用默认值
func LoadCategoryFile(path string) ([]CategoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read category file: %w", err)
	}
	return ParseCategoryConfig(data)
}

func ParseCategoryConfig(data []byte) ([]CategoryConfig, error) {
	var f CategoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse category config: %w", err)
	}
	for _, c := range f.Categories {
		if err := c.validate(); err != nil {
			return nil, err
		}
	}
	return f.Categories, nil
}
