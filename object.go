package zion

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// 领域对象的判别字段，编码时加上，解码时去掉
const (
	DomainObjectKey = "__is_domain_object"
	TypeKey         = "type_"
)

var (
	ErrUnknownType = errors.New("zion: unknown domain object type")

	objectType        = reflect.TypeOf(new(Object)).Elem()
	jsonMarshalerType = reflect.TypeOf(new(json.Marshaler)).Elem()
	textMarshalerType = reflect.TypeOf(new(encoding.TextMarshaler)).Elem()
)

// Object 领域对象，TypeName 是其在 ObjectRegistry 中的类型名
type Object interface {
	TypeName() string
}

// ObjectRegistry 类型名到领域对象类型的映射，解码时据此重建对象
type ObjectRegistry struct {
	types map[string]reflect.Type
	lock  sync.RWMutex
}

// DefaultRegistry 包级默认注册表
var DefaultRegistry = NewObjectRegistry()

func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{types: make(map[string]reflect.Type)}
}

// Register 注册领域对象类型，obj 须为结构体指针，例如 (*User)(nil)
func (r *ObjectRegistry) Register(objs ...Object) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, obj := range objs {
		t := reflect.TypeOf(obj)
		if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
			return errors.Errorf("zion: domain object must be a struct pointer, got %v", t)
		}
		name := reflect.New(t.Elem()).Interface().(Object).TypeName()
		if prev, ok := r.types[name]; ok && prev != t.Elem() {
			return errors.Errorf("zion: type name %q already registered for %v", name, prev)
		}
		r.types[name] = t.Elem()
	}
	return nil
}

// New 按类型名创建零值对象（结构体指针）
func (r *ObjectRegistry) New(typeName string) (Object, error) {
	r.lock.RLock()
	t, ok := r.types[typeName]
	r.lock.RUnlock()
	if !ok {
		return nil, errors.WithMessage(ErrUnknownType, typeName)
	}
	return reflect.New(t).Interface().(Object), nil
}

// Encode 将 v 转换为只包含 map[string]any、[]any 和基本类型的通用值，
// 其中的领域对象带上判别字段
func (r *ObjectRegistry) Encode(v any) (any, error) {
	return r.encode(reflect.ValueOf(v))
}

func (r *ObjectRegistry) encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
	}

	// TypeName 定义在指针接收者上时，取值的副本的地址
	if v.Kind() == reflect.Struct && !v.Type().Implements(objectType) && reflect.PtrTo(v.Type()).Implements(objectType) {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		v = p
	}
	if v.Type().Implements(objectType) {
		obj := v.Interface().(Object)
		sv := reflect.Indirect(v)
		if sv.Kind() != reflect.Struct {
			return nil, errors.Errorf("zion: domain object %s is not a struct", obj.TypeName())
		}
		m := make(map[string]any, sv.NumField()+2)
		if err := r.encodeFields(sv, m); err != nil {
			return nil, err
		}
		m[DomainObjectKey] = true
		m[TypeKey] = obj.TypeName()
		return m, nil
	}
	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return r.encode(v.Elem())
	case reflect.Struct:
		m := make(map[string]any, v.NumField())
		if err := r.encodeFields(v, m); err != nil {
			return nil, err
		}
		return m, nil
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		m := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			e, err := r.encode(iter.Value())
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(iter.Key().Interface())] = e
		}
		return m, nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
		fallthrough
	case reflect.Array:
		l := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := r.encode(v.Index(i))
			if err != nil {
				return nil, err
			}
			l[i] = e
		}
		return l, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, errors.Errorf("zion: cannot encode value of type %v", v.Type())
	}
	return v.Interface(), nil
}

// encodeFields 按 json 标签展开导出字段，匿名结构体字段平铺
func (r *ObjectRegistry) encodeFields(v reflect.Value, m map[string]any) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue
		}
		name, opts := parseTag(f.Tag.Get("json"))
		if name == "-" && opts == "" {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Ptr {
				if fv.IsNil() {
					continue
				}
				fv, ft = fv.Elem(), ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := r.encodeFields(fv, m); err != nil {
					return err
				}
				continue
			}
		}
		if f.PkgPath != "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		e, err := r.encode(fv)
		if err != nil {
			return errors.WithMessage(err, f.Name)
		}
		m[name] = e
	}
	return nil
}

func parseTag(tag string) (string, string) {
	if i := strings.IndexByte(tag, ','); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

func isDomainObject(m map[string]any) (string, bool) {
	flag, _ := m[DomainObjectKey].(bool)
	if !flag {
		return "", false
	}
	name, ok := m[TypeKey].(string)
	return name, ok
}

func stripDiscriminator(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == DomainObjectKey || k == TypeKey {
			continue
		}
		out[k] = v
	}
	return out
}

// Decode 将通用值中带判别字段的 map 还原为已注册的领域对象，其余值原样返回
func (r *ObjectRegistry) Decode(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if name, ok := isDomainObject(t); ok {
			return r.decodeObject(name, t)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			d, err := r.Decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			d, err := r.Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}
	return v, nil
}

func (r *ObjectRegistry) decodeObject(name string, m map[string]any) (Object, error) {
	obj, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := r.DecodeInto(m, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DecodeInto 将通用值解码到 dst（指针）。目标为接口类型时，领域对象按类型名重建；
// 目标为具体类型时去掉判别字段后按 json 标签填充
func (r *ObjectRegistry) DecodeInto(input any, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: r.hook,
		Result:     dst,
		TagName:    "json",
		Squash:     true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeValue 与 DecodeInto 相同，但 v 可以直接赋值给 *dst 时不经过 mapstructure
func (r *ObjectRegistry) DecodeValue(v any, dst any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return errors.Errorf("zion: decode into non-pointer %T", dst)
	}
	if v != nil {
		rv := reflect.ValueOf(v)
		if rv.Type().AssignableTo(dv.Elem().Type()) {
			dv.Elem().Set(rv)
			return nil
		}
	}
	return r.DecodeInto(v, dst)
}

func (r *ObjectRegistry) hook(from reflect.Type, to reflect.Type, data any) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	name, ok := isDomainObject(m)
	if !ok {
		return data, nil
	}
	if to.Kind() == reflect.Interface {
		return r.decodeObject(name, m)
	}
	return stripDiscriminator(m), nil
}
