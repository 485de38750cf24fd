package zion

import (
	"errors"
	"fmt"
)

var (
	// 协议使用错误（编程错误，不重试）
	ErrAlreadyBound     = errors.New("zion: channel already bound")
	ErrAlreadyConnected = errors.New("zion: channel already connected")
	ErrAlreadyConsuming = errors.New("zion: channel already consuming")
	ErrNotBound         = errors.New("zion: channel not bound")
	ErrNotListening     = errors.New("zion: channel not listening")
	ErrNotConnected     = errors.New("zion: channel not connected")
	ErrNoPeer           = errors.New("zion: channel has no peer")
	ErrAcceptedReadOnly = errors.New("zion: accepted channel cannot declare broker resources")
	ErrNotListener      = errors.New("zion: channel role cannot accept")

	ErrChannelClosed    = errors.New("zion: channel closed")
	ErrConnectionClosed = errors.New("zion: connection closed")
	ErrNodeClosed       = errors.New("zion: node closed")

	ErrUnknownMethod    = errors.New("zion: unknown method")
	ErrInvalidService   = errors.New("zion: invalid service")
	ErrInvalidArguments = errors.New("zion: invalid arguments")
	ErrNotFound         = errors.New("zion: not found")
	ErrNoDirectory      = errors.New("zion: node has no directory")
)

// ProtocolError 协议使用错误，在任何代理交互之前返回
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func usageErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// BrokerError 代理上报的错误（通道被关闭、资源声明被拒绝等）
type BrokerError struct {
	Code   int
	Reason string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("zion: broker error %d: %s", e.Code, e.Reason)
}

// Is 所有代理错误都视为通道已关闭
func (e *BrokerError) Is(target error) bool {
	return target == ErrChannelClosed
}

// AMQP reply codes used by the in-memory broker.
const (
	CodeAccessRefused    = 403
	CodeNotFound         = 404
	CodeResourceLocked   = 405
	CodePreconditionFail = 406
	CodeChannelError     = 504
	CodeNotAllowed       = 530
	CodeInternalError    = 541
)

// IsProtocolError .
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
