package zion

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// 负载的内容类型
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec 负载编解码器
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return jsonAPI.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return jsonAPI.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) ContentType() string           { return ContentTypeMsgpack }
func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecFor 按内容类型选择编解码器，未设置时为 JSON
func CodecFor(contentType string) (Codec, error) {
	ct := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch ct {
	case "", ContentTypeJSON, "text/json":
		return JSONCodec, nil
	case ContentTypeMsgpack, "application/x-msgpack":
		return MsgpackCodec, nil
	}
	return nil, errors.Errorf("zion: unsupported content type %q", contentType)
}

// Kind 信封类型
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Envelope RPC 负载。request 带 method 和 args，response 带 result，error 带 error
type Envelope struct {
	Kind   Kind         `json:"kind" msgpack:"kind"`
	Method string       `json:"method,omitempty" msgpack:"method,omitempty"`
	Args   []any        `json:"args,omitempty" msgpack:"args,omitempty"`
	Result any          `json:"result" msgpack:"result"`
	Error  *RemoteError `json:"error,omitempty" msgpack:"error,omitempty"`
}

// 远端错误码
const (
	RemoteBadRequest  = "BadRequest"
	RemoteForbidden   = "Forbidden"
	RemoteNotFound    = "NotFound"
	RemoteServerError = "ServerError"
	RemoteUnavailable = "Unavailable"
)

// RemoteError 服务端处理请求失败，以 error 信封返回
type RemoteError struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("zion: remote error %s: %s", e.Code, e.Message)
}

// DecodeError 响应无法解码为期望的结果类型，区别于传输错误
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "zion: decode response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewRequest .
func NewRequest(method string, args ...any) *Envelope {
	if args == nil {
		args = []any{}
	}
	return &Envelope{Kind: KindRequest, Method: method, Args: args}
}

// NewResponse .
func NewResponse(result any) *Envelope {
	return &Envelope{Kind: KindResponse, Result: result}
}

// NewErrorResponse .
func NewErrorResponse(code, message string) *Envelope {
	return &Envelope{Kind: KindError, Error: &RemoteError{Code: code, Message: message}}
}

// EncodeEnvelope 参数和结果中的领域对象带上判别字段后序列化
func EncodeEnvelope(codec Codec, registry *ObjectRegistry, env *Envelope) ([]byte, error) {
	out := *env
	if len(env.Args) > 0 {
		args, err := registry.Encode(env.Args)
		if err != nil {
			return nil, errors.WithMessage(err, "encode args")
		}
		out.Args = args.([]any)
	}
	if env.Result != nil {
		result, err := registry.Encode(env.Result)
		if err != nil {
			return nil, errors.WithMessage(err, "encode result")
		}
		out.Result = result
	}
	return codec.Marshal(&out)
}

// DecodeEnvelope 反序列化并重建领域对象
func DecodeEnvelope(codec Codec, registry *ObjectRegistry, data []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, errors.WithMessage(err, "decode envelope")
	}
	switch env.Kind {
	case KindRequest, KindResponse, KindError:
	default:
		return nil, errors.Errorf("zion: unknown envelope kind %q", env.Kind)
	}

	for i, a := range env.Args {
		d, err := registry.Decode(a)
		if err != nil {
			return nil, errors.WithMessagef(err, "decode arg %d", i)
		}
		env.Args[i] = d
	}
	if env.Result != nil {
		d, err := registry.Decode(env.Result)
		if err != nil {
			return nil, errors.WithMessage(err, "decode result")
		}
		env.Result = d
	}
	return &env, nil
}
