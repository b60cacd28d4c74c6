package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrSchemaNotFound = errors.New("metadata schema not found")

// FieldType 是 Schema 字段允许的 JSON 类型
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field 描述单个元数据字段的约束
type Field struct {
	Type      FieldType `yaml:"type"`
	Required  bool      `yaml:"required"`
	MaxLength int       `yaml:"max_length"` // 仅对 string 有效
	Pattern   string    `yaml:"pattern"`    // 仅对 string 有效
	Enum      []string  `yaml:"enum"`       // 枚举值 (string 字段)
	Items     FieldType `yaml:"items"`      // array 的元素类型
	Min       *float64  `yaml:"min"`        // 数值下界
	Max       *float64  `yaml:"max"`        // 数值上界

	// Requires: 该字段出现时必须同时出现的其他字段 (跨字段约束)
	Requires []string `yaml:"requires"`

	pattern *regexp.Regexp `yaml:"-"`
}

// Schema 是一个版本化的元数据校验规则集
// Schema 是外部加载的配置而非编译期类型：演进 Schema 不需要重新部署引擎。
type Schema struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`

	Fields map[string]*Field `yaml:"fields"`

	// AllowUnknown 为 false 时拒绝 Schema 没有声明的字段
	AllowUnknown bool `yaml:"allow_unknown"`
}

// Key 是注册表里的完整标识: "id@version"
func (s *Schema) Key() string { return s.ID + "@" + s.Version }

// compile 预编译正则并做基本自检
func (s *Schema) compile() error {
	if s.ID == "" {
		return errors.New("schema id cannot be empty")
	}
	if s.Version == "" {
		s.Version = "1"
	}
	for name, f := range s.Fields {
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("schema %s field %s: invalid pattern: %w", s.Key(), name, err)
			}
			f.pattern = re
		}
		for _, dep := range f.Requires {
			if _, ok := s.Fields[dep]; !ok {
				return fmt.Errorf("schema %s field %s: requires unknown field %q", s.Key(), name, dep)
			}
		}
	}
	return nil
}

// Registry 持有当前加载的全部 Schema
// 并发安全：提交路径上的读远多于热加载写。
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register 注册/覆盖一个 Schema
func (r *Registry) Register(s *Schema) error {
	if err := s.compile(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Key()] = s
	return nil
}

// Get 按 "id@version" 查找；省略版本时取 "@1"
func (r *Registry) Get(key string) (*Schema, error) {
	if !strings.Contains(key, "@") {
		key += "@1"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
	}
	return s, nil
}

// LoadDir 从目录加载所有 *.yaml Schema 文件
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read schema dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		var s Schema
		if err := yaml.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid schema file %s: %w", e.Name(), err)
		}
		if err := r.Register(&s); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry 内置默认 Schema
// 外部没有配置任何 Schema 时的保底规则：要求 name 并限制常见字段长度。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// compile 不会失败：内容是固定的
	_ = r.Register(&Schema{
		ID:           "default",
		Version:      "1",
		AllowUnknown: true,
		Fields: map[string]*Field{
			"name":        {Type: TypeString, Required: true, MaxLength: 255},
			"description": {Type: TypeString, MaxLength: 1000},
			"version":     {Type: TypeString, MaxLength: 100},
			"tags":        {Type: TypeArray, Items: TypeString},
			"file_size":   {Type: TypeInteger, Min: float64Ptr(0)},
		},
	})
	return r
}

func float64Ptr(v float64) *float64 { return &v }
