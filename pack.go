package zion

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ZMQ 桥接帧的头部字段
const (
	packSeq     = "__seq__"     // 请求序号，回复原样带回
	packChannel = "__channel__" // 代理通道 id
	packTag     = "__tag__"     // 消费者标签
	packQueue   = "__queue__"   // 队列名
	packCode    = "__code__"    // 错误码
	packReason  = "__reason__"  // 错误原因
	packMsgID   = "__msg_id__"  // 帧 id
)

const (
	codeChannelClosed    = "channel_closed"
	codeConnectionClosed = "connection_closed"
	codeError            = "error"
)

// 客户端发往桥接服务端的操作，以及服务端发回的回复和通知
const (
	opOpenChannel     = "channel.open"
	opCloseChannel    = "channel.close"
	opCloseConnection = "connection.close"
	opExchangeDeclare = "exchange.declare"
	opQueueDeclare    = "queue.declare"
	opQueueBind       = "queue.bind"
	opConsume         = "basic.consume"
	opCancel          = "basic.cancel"
	opPublish         = "basic.publish"
	opAck             = "basic.ack"
	opReject          = "basic.reject"
	opHeartbeat       = "heartbeat"

	opReply         = "reply"
	opDeliver       = "basic.deliver"
	opChannelClosed = "channel.closed"
)

var ErrNoSeq = errors.New("zion: pack: no seq")

type Header map[string][]string

func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

func (h Header) Get(key string) string {
	if len(h[key]) == 0 {
		return ""
	}
	return h[key][0]
}

func (h Header) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// Pack ZMQ 桥接的一帧，Args 中每个参数单独 msgpack 编码
type Pack struct {
	Identity string   `msgpack:"identity"`
	Op       string   `msgpack:"op"`
	Header   Header   `msgpack:"head"`
	Args     [][]byte `msgpack:"args"`
}

func newPack(op string) *Pack {
	return &Pack{Op: op, Header: make(Header)}
}

func (p *Pack) Set(key, value string) {
	if p.Header == nil {
		p.Header = make(Header)
	}
	p.Header.Set(key, value)
}

func (p *Pack) Get(key string) string {
	if p.Header == nil {
		return ""
	}
	return p.Header.Get(key)
}

func (p *Pack) SetSeq(seq uint64) {
	p.Set(packSeq, strconv.FormatUint(seq, 10))
}

func (p *Pack) Seq() (uint64, error) {
	s := p.Get(packSeq)
	if s == "" {
		return 0, ErrNoSeq
	}
	return strconv.ParseUint(s, 10, 64)
}

// AddArg 追加一个参数
func (p *Pack) AddArg(v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	p.Args = append(p.Args, b)
	return nil
}

// Arg 解码第 i 个参数到 v
func (p *Pack) Arg(i int, v any) error {
	if i >= len(p.Args) {
		return errors.Errorf("zion: pack %s: missing argument %d", p.Op, i)
	}
	return msgpack.Unmarshal(p.Args[i], v)
}

// SetError 把 err 写入头部，BrokerError 保留错误码
func (p *Pack) SetError(err error) {
	if err == nil {
		return
	}
	var be *BrokerError
	switch {
	case errors.As(err, &be):
		p.Set(packCode, strconv.Itoa(be.Code))
		p.Set(packReason, be.Reason)
	case errors.Is(err, ErrConnectionClosed):
		p.Set(packCode, codeConnectionClosed)
	case errors.Is(err, ErrChannelClosed):
		p.Set(packCode, codeChannelClosed)
	default:
		p.Set(packCode, codeError)
		p.Set(packReason, err.Error())
	}
}

// Err SetError 的逆操作
func (p *Pack) Err() error {
	code := p.Get(packCode)
	switch code {
	case "":
		return nil
	case codeConnectionClosed:
		return ErrConnectionClosed
	case codeChannelClosed:
		return ErrChannelClosed
	}
	if n, err := strconv.Atoi(code); err == nil {
		return &BrokerError{Code: n, Reason: p.Get(packReason)}
	}
	return errors.New(p.Get(packReason))
}

func (p *Pack) MarshalMsgpack() ([]byte, error) {
	if p.Header == nil || !p.Header.Has(packMsgID) {
		p.Set(packMsgID, NewMessageID())
	}

	return msgpack.Marshal(struct {
		Identity string   `msgpack:"identity"`
		Op       string   `msgpack:"op"`
		Header   Header   `msgpack:"head"`
		Args     [][]byte `msgpack:"args"`
	}{
		Identity: p.Identity,
		Op:       p.Op,
		Header:   p.Header,
		Args:     p.Args,
	})
}

// DecodePack .
func DecodePack(b []byte) (*Pack, error) {
	p := new(Pack)
	if err := msgpack.Unmarshal(b, p); err != nil {
		return nil, errors.WithMessage(err, "zion: decode pack")
	}
	return p, nil
}
