package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Violation 是一条可机读的校验失败
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Message, v.Rule)
}

// Validator 对元数据文档执行结构性 + 语义性校验
type Validator struct {
	registry *Registry
}

func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate 校验一份 JSON 元数据文档
// 返回全部违规 (不在第一条失败处停下，调用方一次就能看到所有问题)。
// Schema 找不到属于配置错误，通过 error 返回而非 Violation。
func (v *Validator) Validate(meta []byte, schemaKey string) ([]Violation, error) {
	s, err := v.registry.Get(schemaKey)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc); err != nil {
			return []Violation{{Field: "", Rule: "format", Message: "metadata must be a JSON object"}}, nil
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var out []Violation

	// 1. 必填字段
	for name, f := range s.Fields {
		if !f.Required {
			continue
		}
		val, ok := doc[name]
		if !ok {
			out = append(out, Violation{Field: name, Rule: "required", Message: "missing required field"})
			continue
		}
		if str, isStr := val.(string); isStr && str == "" {
			out = append(out, Violation{Field: name, Rule: "required", Message: "required field cannot be empty"})
		}
	}

	// 2. 逐字段类型与约束
	for name, val := range doc {
		f, declared := s.Fields[name]
		if !declared {
			if !s.AllowUnknown {
				out = append(out, Violation{Field: name, Rule: "unknown", Message: "field not declared in schema"})
			}
			continue
		}
		out = append(out, checkField(name, f, val)...)
	}

	// 3. 跨字段约束
	for name, f := range s.Fields {
		if _, present := doc[name]; !present {
			continue
		}
		for _, dep := range f.Requires {
			if _, ok := doc[dep]; !ok {
				out = append(out, Violation{
					Field:   name,
					Rule:    "requires",
					Message: fmt.Sprintf("field requires %q to be present", dep),
				})
			}
		}
	}

	return out, nil
}

// checkField 校验单个值是否满足字段约束
func checkField(name string, f *Field, val any) []Violation {
	var out []Violation

	fail := func(rule, msg string) {
		out = append(out, Violation{Field: name, Rule: rule, Message: msg})
	}

	switch f.Type {
	case TypeString:
		str, ok := val.(string)
		if !ok {
			fail("type", "must be a string")
			return out
		}
		if f.MaxLength > 0 && len(str) > f.MaxLength {
			fail("max_length", fmt.Sprintf("too long (max %d characters)", f.MaxLength))
		}
		if f.pattern != nil && !f.pattern.MatchString(str) {
			fail("pattern", fmt.Sprintf("does not match pattern %q", f.Pattern))
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, str) {
			fail("enum", fmt.Sprintf("must be one of %v", f.Enum))
		}

	case TypeNumber, TypeInteger:
		// encoding/json 把所有数字解码为 float64
		num, ok := val.(float64)
		if !ok {
			fail("type", "must be a number")
			return out
		}
		if f.Type == TypeInteger && num != math.Trunc(num) {
			fail("type", "must be an integer")
		}
		if f.Min != nil && num < *f.Min {
			fail("min", fmt.Sprintf("must be >= %v", *f.Min))
		}
		if f.Max != nil && num > *f.Max {
			fail("max", fmt.Sprintf("must be <= %v", *f.Max))
		}

	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			fail("type", "must be a boolean")
		}

	case TypeArray:
		arr, ok := val.([]any)
		if !ok {
			fail("type", "must be an array")
			return out
		}
		if f.Items == TypeString {
			for i, item := range arr {
				if _, ok := item.(string); !ok {
					fail("items", fmt.Sprintf("element %d must be a string", i))
				}
			}
		}

	case TypeObject:
		if _, ok := val.(map[string]any); !ok {
			fail("type", "must be an object")
		}
	}

	return out
}
