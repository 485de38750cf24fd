package zion

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	errType = reflect.TypeOf(new(error)).Elem()
	ctxType = reflect.TypeOf(new(context.Context)).Elem()
)

// Handler 服务端方法。返回 *RemoteError 时原样回给调用方，其它错误作为 ServerError
type Handler func(ctx context.Context, args Args) (any, error)

// Args 请求的位置参数，已还原领域对象
type Args struct {
	values   []any
	registry *ObjectRegistry
}

// NewArgs registry 为 nil 时使用 DefaultRegistry
func NewArgs(registry *ObjectRegistry, values ...any) Args {
	if registry == nil {
		registry = DefaultRegistry
	}
	return Args{values: values, registry: registry}
}

func (a Args) Len() int { return len(a.values) }

func (a Args) Values() []any { return a.values }

// Value 第 i 个参数，越界时为 nil
func (a Args) Value(i int) any {
	if i < 0 || i >= len(a.values) {
		return nil
	}
	return a.values[i]
}

// Decode 将第 i 个参数解码到 dst（指针）
func (a Args) Decode(i int, dst any) error {
	if i < 0 || i >= len(a.values) {
		return errors.WithMessagef(ErrInvalidArguments, "argument %d out of range (%d given)", i, len(a.values))
	}
	if err := a.registry.DecodeValue(a.values[i], dst); err != nil {
		return errors.WithMessagef(ErrInvalidArguments, "argument %d: %v", i, err)
	}
	return nil
}

// String 第 i 个参数按字符串取出
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

func badRequest(format string, args ...any) error {
	return &RemoteError{Code: RemoteBadRequest, Message: fmt.Sprintf(format, args...)}
}

// method 通过反射注册的服务方法
type method struct {
	name       string
	fn         reflect.Value
	withCtx    bool
	paramTypes []reflect.Type
	hasResult  bool
}

// methodName 导出方法名首字母小写后作为 RPC 方法名，Hello -> hello
func methodName(name string) string {
	r, n := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[n:]
}

// parseMethods 解析 svc 的全部导出方法：
// 第一个参数可以是 context.Context，最后一个返回值必须是 error，至多再有一个返回值
func parseMethods(svc any) ([]*method, error) {
	rv := reflect.ValueOf(svc)
	if !rv.IsValid() || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
		return nil, ErrInvalidService
	}
	t := rv.Type()
	if t.NumMethod() == 0 {
		return nil, errors.WithMessagef(ErrInvalidService, "%v has no exported methods", t)
	}

	methods := make([]*method, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		tm := t.Method(i)
		mt := tm.Type
		m := &method{
			name: methodName(tm.Name),
			fn:   rv.Method(i),
		}

		// 跳过第 0 个参数（接收者）
		for j := 1; j < mt.NumIn(); j++ {
			m.paramTypes = append(m.paramTypes, mt.In(j))
		}
		if len(m.paramTypes) > 0 && m.paramTypes[0] == ctxType {
			m.withCtx = true
			m.paramTypes = m.paramTypes[1:]
		}
		if mt.IsVariadic() {
			return nil, errors.WithMessagef(ErrInvalidService, "%s: variadic methods are not supported", tm.Name)
		}

		switch mt.NumOut() {
		case 1:
		case 2:
			m.hasResult = true
		default:
			return nil, errors.WithMessagef(ErrInvalidService, "%s: must return (error) or (T, error)", tm.Name)
		}
		if mt.Out(mt.NumOut()-1) != errType {
			return nil, errors.WithMessagef(ErrInvalidService, "%s: the last return value must be error", tm.Name)
		}
		methods = append(methods, m)
	}
	return methods, nil
}

// handler 把反射方法包装为 Handler，参数个数或类型不符时返回 BadRequest
func (m *method) handler() Handler {
	return func(ctx context.Context, args Args) (any, error) {
		if args.Len() != len(m.paramTypes) {
			return nil, badRequest("%s() takes %d arguments (%d given)", m.name, len(m.paramTypes), args.Len())
		}

		in := make([]reflect.Value, 0, len(m.paramTypes)+1)
		if m.withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, pt := range m.paramTypes {
			p := reflect.New(pt)
			if err := args.Decode(i, p.Interface()); err != nil {
				return nil, badRequest("%s(): %v", m.name, err)
			}
			in = append(in, p.Elem())
		}

		out := m.fn.Call(in)
		errVal := out[len(out)-1]
		if !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		if !m.hasResult {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
}
