package zion

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pborman/uuid"
)

var epoch int64

func init() {
	start, err := time.ParseInLocation("2006-01-02 15:04:05", "2022-01-01 00:00:00", time.UTC)
	if err != nil {
		panic(err)
	}
	epoch = start.UnixNano() / int64(time.Millisecond)
}

// NewMessageID 时间前缀 + 随机后缀，同一毫秒内也不会重复
func NewMessageID() string {
	now := time.Now().UnixNano()/int64(time.Millisecond) - epoch
	random := uuid.NewRandom().Array()
	prefix := bytes.NewBuffer(make([]byte, 0, 8))
	binary.Write(prefix, binary.BigEndian, now)
	var id [27]byte
	hex.Encode(id[:], prefix.Bytes()[3:])
	id[10] = '-'
	hex.Encode(id[11:], random[8:])
	return string(id[:])
}

// NewCorrelationID .
func NewCorrelationID() string {
	return uuid.NewRandom().String()
}
