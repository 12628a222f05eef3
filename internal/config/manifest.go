package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest 描述一次分发批次需要入队的任务清单。
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask 是清单中的单个任务，描述字段即要执行的命令。
type ManifestTask struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// LoadManifest 解析 YAML 任务清单。
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("任务清单路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取任务清单失败: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("解析任务清单失败: %w", err)
	}
	if len(manifest.Tasks) == 0 {
		return nil, fmt.Errorf("任务清单为空: %s", path)
	}
	for i, t := range manifest.Tasks {
		if t.Title == "" {
			return nil, fmt.Errorf("任务清单第 %d 项缺少 title", i+1)
		}
	}
	return &manifest, nil
}
