package main

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/hunyxv/zion"
)

//go:embed hello.yaml
var helloYAML []byte

// Person yourName 返回的领域对象
type Person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func (*Person) TypeName() string { return "Person" }

func init() {
	if err := zion.DefaultRegistry.Register((*Person)(nil)); err != nil {
		panic(err)
	}
}

// HelloService 示例服务
type HelloService struct{}

func (HelloService) Hello(text string) (string, error) {
	return "BACK:" + text, nil
}

func (HelloService) SayHello(ctx context.Context, name, greeting string) (string, error) {
	return fmt.Sprintf("%s %s!", greeting, name), nil
}

func (HelloService) YourName(ctx context.Context) (*Person, error) {
	return &Person{Name: "XiaoMing", Age: 18}, nil
}

// loadInterfaces path 为空时使用内置的 hello 接口描述
func loadInterfaces(path string) ([]zion.ServiceInterface, error) {
	if path == "" {
		return zion.LoadInterfaces(helloYAML)
	}
	return zion.LoadInterfacesFile(path)
}
