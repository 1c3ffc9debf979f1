package di

import (
	"errors"
	"testing"
)

type greeter struct{ name string }

func TestResolve(t *testing.T) {
	c := NewContainer()
	c.Register("greeter", &greeter{name: "hiro"})

	g, err := Resolve[*greeter](c, "greeter")
	if err != nil || g.name != "hiro" {
		t.Fatalf("解析失败: %v", err)
	}
	if _, err := Resolve[*greeter](c, "missing"); err == nil {
		t.Error("未注册的服务应返回错误")
	}
	if _, err := Resolve[string](c, "greeter"); err == nil {
		t.Error("类型不匹配应返回错误")
	}
}

func TestCloseReverseOrder(t *testing.T) {
	c := NewContainer()
	var order []string
	c.RegisterCloser("a", 1, func() error { order = append(order, "a"); return nil })
	c.RegisterCloser("b", 2, func() error { order = append(order, "b"); return errors.New("b 失败") })

	if err := c.Close(); err == nil || err.Error() != "b 失败" {
		t.Errorf("应返回第一个错误: %v", err)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("释放顺序错误: %v", order)
	}
	if c.Has("a") || len(c.Names()) != 0 {
		t.Error("关闭后容器应为空")
	}
}
