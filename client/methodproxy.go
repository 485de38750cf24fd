package client

import (
	"context"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/hunyxv/zion"
	"github.com/pkg/errors"
)

var (
	ErrInvalidParamType  = errors.New("zion-cli: the first param must be Context")
	ErrTooFewReturn      = errors.New("zion-cli: too few return values")
	ErrInvalidResultType = errors.New("zion-cli: the last return value must be error")
	ErrInvalidProxy      = errors.New("zion-cli: proxy must be a pointer to struct")

	errType = reflect.TypeOf(new(error)).Elem()
	ctxType = reflect.TypeOf(new(context.Context)).Elem()
)

// invoker Client 和 Pool 都可以作为代理的调用方
type invoker interface {
	Call(ctx context.Context, name string, args ...any) (any, error)
}

type proxyMethod struct {
	op         *zion.Operation
	resultType reflect.Type // 为 nil 时函数只返回 error
}

// decorate 将 proxy 结构体中的函数字段替换为远程调用。
// 字段名首字母小写后作为操作名，也可以用 `zion:"name"` 标签指定；
// 函数第一个参数必须是 context.Context，返回 (error) 或 (T, error)
func decorate(proxy any, iface *zion.ServiceInterface, inv invoker, reg *zion.ObjectRegistry) error {
	v := reflect.ValueOf(proxy)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrInvalidProxy
	}
	v = v.Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() != reflect.Func || f.PkgPath != "" {
			continue
		}
		name := f.Tag.Get("zion")
		if name == "" {
			name = lowerFirst(f.Name)
		}
		op, ok := iface.Operation(name)
		if !ok {
			return errors.WithMessagef(zion.ErrUnknownMethod, "%s.%s", iface.Name, name)
		}
		m, err := newProxyMethod(f.Type, op)
		if err != nil {
			return errors.WithMessage(err, f.Name)
		}
		v.Field(i).Set(makeFunc(f.Type, m, inv, reg))
	}
	return nil
}

func newProxyMethod(ft reflect.Type, op *zion.Operation) (*proxyMethod, error) {
	if ft.NumIn() == 0 || ft.In(0) != ctxType {
		return nil, ErrInvalidParamType
	}
	if ft.IsVariadic() {
		return nil, errors.New("zion-cli: variadic proxy functions are not supported")
	}
	nargs := ft.NumIn() - 1
	if nargs < len(op.Required) || nargs > len(op.Positional) {
		return nil, errors.WithMessagef(zion.ErrInvalidArguments, "%s takes %d to %d arguments, proxy has %d",
			op.Name, len(op.Required), len(op.Positional), nargs)
	}

	m := &proxyMethod{op: op}
	switch ft.NumOut() {
	case 0:
		return nil, ErrTooFewReturn
	case 1:
	case 2:
		m.resultType = ft.Out(0)
	default:
		return nil, errors.New("zion-cli: must return (error) or (T, error)")
	}
	// 判断最后一个返回值是否是 error
	if ft.Out(ft.NumOut()-1) != errType {
		return nil, ErrInvalidResultType
	}
	return m, nil
}

func (m *proxyMethod) returnErr(err error) []reflect.Value {
	errVal := reflect.New(errType).Elem()
	errVal.Set(reflect.ValueOf(err))
	if m.resultType == nil {
		return []reflect.Value{errVal}
	}
	return []reflect.Value{reflect.New(m.resultType).Elem(), errVal}
}

func makeFunc(ft reflect.Type, m *proxyMethod, inv invoker, reg *zion.ObjectRegistry) reflect.Value {
	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx, _ := in[0].Interface().(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		args := make([]any, 0, len(in)-1)
		for _, a := range in[1:] {
			args = append(args, a.Interface())
		}

		result, err := inv.Call(ctx, m.op.Name, args...)
		if err != nil {
			return m.returnErr(err)
		}
		if m.resultType == nil {
			return []reflect.Value{reflect.New(errType).Elem()}
		}
		ret := reflect.New(m.resultType)
		if err := decodeResult(reg, result, ret.Interface()); err != nil {
			return m.returnErr(err)
		}
		return []reflect.Value{ret.Elem(), reflect.New(errType).Elem()}
	})
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

// Decorate 将 proxy 的函数字段装饰为对本客户端的远程调用
func (c *Client) Decorate(proxy any) error {
	return decorate(proxy, c.iface, c, c.opts.Registry)
}
