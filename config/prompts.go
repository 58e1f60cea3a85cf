// =============================================================================
// 📦 CodeGate 提示词目录
// =============================================================================
// 管道注入的系统提示词与脱敏提示文案。扁平 YAML: 名称 → 文本,
// client_prompts 键下是按客户端细分的嵌套映射。
// =============================================================================
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// Prompts 提示词目录
type Prompts struct {
	entries map[string]string
	clients map[string]string
}

// DefaultPrompts 返回内置提示词目录
func DefaultPrompts() *Prompts {
	p, err := parsePrompts(defaultPromptsYAML)
	if err != nil {
		// 内置文件随二进制打包, 解析失败属于构建错误
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
	return p
}

// LoadPrompts 从 YAML 文件加载提示词目录
func LoadPrompts(path string) (*Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	p, err := parsePrompts(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	return p, nil
}

func parsePrompts(data []byte) (*Prompts, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	p := &Prompts{
		entries: make(map[string]string),
		clients: make(map[string]string),
	}
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			p.entries[name] = v
		case map[string]any:
			if name != "client_prompts" {
				return nil, fmt.Errorf("prompt %q must be a string", name)
			}
			for client, cv := range v {
				text, ok := cv.(string)
				if !ok {
					return nil, fmt.Errorf("client prompt %q must be a string", client)
				}
				p.clients[client] = text
			}
		default:
			return nil, fmt.Errorf("prompt %q must be a string", name)
		}
	}
	return p, nil
}

// Get 返回指定名称的提示词, 不存在时返回空串
func (p *Prompts) Get(name string) string {
	return p.entries[name]
}

// Has 报告提示词是否存在
func (p *Prompts) Has(name string) bool {
	_, ok := p.entries[name]
	return ok
}

// ForClient 返回按客户端细分的提示词, 未细分时回退到 default_chat
func (p *Prompts) ForClient(client string) string {
	if text, ok := p.clients[client]; ok {
		return text
	}
	return p.entries["default_chat"]
}

// Names 返回全部提示词名称(调试用)
func (p *Prompts) Names() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	return names
}
