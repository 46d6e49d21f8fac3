package lexicon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"agent-matrix/internal/scorer"
)

// Entry 描述词表中的一个加权词项。
type Entry struct {
	Term   string   `yaml:"term" json:"term"`
	Weight float64  `yaml:"weight" json:"weight"`
	Tags   []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Scorer 通过加权词项匹配给命令打分，命中词项的权重累加后截断到 1。
type Scorer struct {
	entries []Entry
}

// DefaultEntries 是未配置词表文件时使用的内置词项。
func DefaultEntries() []Entry {
	return []Entry{
		{Term: "rm -rf /", Weight: 0.9, Tags: []string{"destructive"}},
		{Term: "mkfs", Weight: 0.8, Tags: []string{"destructive"}},
		{Term: "dd if=", Weight: 0.6, Tags: []string{"destructive"}},
		{Term: "shutdown", Weight: 0.4, Tags: []string{"availability"}},
		{Term: "chmod 777", Weight: 0.3, Tags: []string{"permissions"}},
		{Term: "curl", Weight: 0.1, Tags: []string{"network"}},
	}
}

// New 创建词表评分器，权重必须位于 [0,1]。
func New(entries []Entry) (*Scorer, error) {
	normalized := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		term := strings.ToLower(strings.TrimSpace(entry.Term))
		if term == "" {
			continue
		}
		if err := scorer.Validate(entry.Weight); err != nil {
			return nil, fmt.Errorf("词项 %q 权重无效: %w", entry.Term, err)
		}
		entry.Term = term
		normalized = append(normalized, entry)
	}
	return &Scorer{entries: normalized}, nil
}

// Load 从 YAML 或 JSON 文件加载词表。
func Load(path string) (*Scorer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("词表文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析词表路径失败: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取词表文件失败: %w", err)
	}
	var entries []Entry
	// JSON 是 YAML 的子集，统一用 YAML 解析。
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析词表文件失败: %w", err)
	}
	return New(entries)
}

// Score 实现 scorer.Scorer。
func (s *Scorer) Score(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil {
		return 0, nil
	}
	text = strings.ToLower(text)
	total := 0.0
	for _, entry := range s.entries {
		if strings.Contains(text, entry.Term) {
			total += entry.Weight
		}
	}
	if total > 1 {
		total = 1
	}
	return total, nil
}

// Matches 返回命中的词项，用于审计日志。
func (s *Scorer) Matches(text string) []Entry {
	if s == nil {
		return nil
	}
	text = strings.ToLower(text)
	var out []Entry
	for _, entry := range s.entries {
		if strings.Contains(text, entry.Term) {
			out = append(out, entry)
		}
	}
	return out
}

var _ scorer.Scorer = (*Scorer)(nil)
