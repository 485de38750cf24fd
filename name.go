package zion

import (
	"fmt"
	"strings"
)

// Name 代理命名空间中的一个逻辑端点 (exchange, routing/binding key)
type Name struct {
	Exchange string `json:"exchange" msgpack:"exchange"`
	Key      string `json:"key" msgpack:"key"`
}

// NewName .
func NewName(exchange, key string) Name {
	return Name{Exchange: exchange, Key: key}
}

// String 编码为 reply-to 使用的 "exchange,key" 形式
func (n Name) String() string {
	return n.Exchange + "," + n.Key
}

func (n Name) IsZero() bool {
	return n.Exchange == "" && n.Key == ""
}

// ParseName 解析 "exchange,key" 形式的地址
func ParseName(s string) (Name, error) {
	i := strings.LastIndexByte(s, ',')
	if i < 0 {
		return Name{}, fmt.Errorf("zion: malformed name %q", s)
	}
	return Name{Exchange: s[:i], Key: s[i+1:]}, nil
}
