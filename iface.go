package zion

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// ServiceInterface 服务接口描述：一组具名操作，客户端据此生成调用
type ServiceInterface struct {
	Name       string      `json:"name"`
	Doc        string      `json:"doc,omitempty"`
	Operations []Operation `json:"operations"`
}

// Operation 操作签名。Positional 是全部参数名的顺序；
// Optional 给出可选参数的默认值，其余位置参数都是必填的
type Operation struct {
	Name       string         `json:"name"`
	Doc        string         `json:"doc,omitempty"`
	Positional []string       `json:"positional"`
	Required   []string       `json:"required"`
	Optional   map[string]any `json:"optional,omitempty"`
}

// Operation 按名称查找操作
func (s *ServiceInterface) Operation(name string) (*Operation, bool) {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return &s.Operations[i], true
		}
	}
	return nil, false
}

// Validate 检查操作名唯一，且 Required 与 Optional 恰好划分 Positional
func (s *ServiceInterface) Validate() error {
	if s.Name == "" {
		return errors.WithMessage(ErrInvalidService, "empty service name")
	}
	seen := make(map[string]bool, len(s.Operations))
	for i := range s.Operations {
		op := &s.Operations[i]
		if op.Name == "" {
			return errors.WithMessagef(ErrInvalidService, "%s: operation %d has no name", s.Name, i)
		}
		if seen[op.Name] {
			return errors.WithMessagef(ErrInvalidService, "%s: duplicate operation %s", s.Name, op.Name)
		}
		seen[op.Name] = true
		if err := op.validate(); err != nil {
			return errors.WithMessagef(err, "%s.%s", s.Name, op.Name)
		}
	}
	return nil
}

func (op *Operation) validate() error {
	pos := make(map[string]bool, len(op.Positional))
	for _, p := range op.Positional {
		if pos[p] {
			return errors.WithMessagef(ErrInvalidService, "duplicate parameter %s", p)
		}
		pos[p] = true
	}
	for _, r := range op.Required {
		if !pos[r] {
			return errors.WithMessagef(ErrInvalidService, "required parameter %s is not positional", r)
		}
		if _, ok := op.Optional[r]; ok {
			return errors.WithMessagef(ErrInvalidService, "parameter %s is both required and optional", r)
		}
	}
	for k := range op.Optional {
		if !pos[k] {
			return errors.WithMessagef(ErrInvalidService, "optional parameter %s is not positional", k)
		}
	}
	if len(op.Required)+len(op.Optional) != len(op.Positional) {
		return errors.WithMessage(ErrInvalidService, "required and optional parameters do not cover positional")
	}
	return nil
}

// BuildArgs 按 Positional 顺序组装参数：args 依次填入前面的位置，
// 其余位置取 kwargs，再取 Optional 的默认值
func (op *Operation) BuildArgs(args []any, kwargs map[string]any) ([]any, error) {
	if len(args) > len(op.Positional) {
		return nil, errors.WithMessagef(ErrInvalidArguments, "%s() takes at most %d arguments (%d given)",
			op.Name, len(op.Positional), len(args))
	}
	for k := range kwargs {
		i := indexOf(op.Positional, k)
		if i < 0 {
			return nil, errors.WithMessagef(ErrInvalidArguments, "%s() got an unexpected argument %s", op.Name, k)
		}
		if i < len(args) {
			return nil, errors.WithMessagef(ErrInvalidArguments, "%s() got multiple values for argument %s", op.Name, k)
		}
	}

	out := make([]any, len(op.Positional))
	copy(out, args)
	for i := len(args); i < len(op.Positional); i++ {
		name := op.Positional[i]
		if v, ok := kwargs[name]; ok {
			out[i] = v
			continue
		}
		if v, ok := op.Optional[name]; ok {
			out[i] = v
			continue
		}
		return nil, errors.WithMessagef(ErrInvalidArguments, "%s() missing required argument %s", op.Name, name)
	}
	return out, nil
}

func indexOf(l []string, s string) int {
	for i, e := range l {
		if e == s {
			return i
		}
	}
	return -1
}

type interfaceFile struct {
	Services []ServiceInterface `json:"services"`
}

// LoadInterfaces 解析 YAML 格式的服务接口描述
//
//	services:
//	  - name: hello
//	    operations:
//	      - name: hello
//	        positional: [text]
//	        required: [text]
func LoadInterfaces(data []byte) ([]ServiceInterface, error) {
	var f interfaceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WithMessage(err, "parse service interfaces")
	}
	for i := range f.Services {
		if err := f.Services[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Services, nil
}

// LoadInterfacesFile .
func LoadInterfacesFile(path string) ([]ServiceInterface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadInterfaces(data)
}
