// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// Container 按名称保存已构造的服务
type Container struct {
	services map[string]interface{}
	closers  []func() error
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// GetContainer 获取全局容器实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 在容器中注册一个服务实例
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services[name] = service
}

// RegisterCloser 注册服务并在 Close 时逆序释放
func (c *Container) RegisterCloser(name string, service interface{}, closeFn func() error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services[name] = service
	if closeFn != nil {
		c.closers = append(c.closers, closeFn)
	}
}

// Get 从容器中获取一个服务实例
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.services[name]
	return exists
}

// Names 已注册服务名称，已排序
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 逆序执行释放函数并清空容器，返回第一个错误
func (c *Container) Close() error {
	c.mutex.Lock()
	closers := c.closers
	c.closers = nil
	c.services = make(map[string]interface{})
	c.mutex.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Resolve 取出指定类型的服务
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("服务未注册: %s", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("服务类型不匹配: %s (%T)", name, service)
	}
	return typed, nil
}
