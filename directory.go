package zion

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// 目录条目使用 json 序列化，以便在注册中心直接查看

// Entry 服务名到代理端点的映射，一个服务可以有多个节点
type Entry struct {
	Service  string            `json:"service"`
	NodeID   string            `json:"node_id"`
	Name     Name              `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WatchCallback 目录变更事件回调
type WatchCallback interface {
	AddOrUpdate(entry Entry) error
	Delete(service, nodeID string)
}

// Directory 服务目录：注册、注销、解析服务名，监控服务节点变化
type Directory interface {
	// Register 注册（或更新）一个条目，注册在 Close 或 Deregister 前保持有效
	Register(ctx context.Context, entry Entry) error
	// Deregister 注销本目录实例注册的 service 条目
	Deregister(ctx context.Context, service string) error
	// Lookup 解析服务名，没有节点时返回 ErrNotFound
	Lookup(ctx context.Context, service string) (Name, error)
	// Watch 先回放现有条目，再持续回调变化，直到 ctx 结束
	Watch(ctx context.Context, service string, callback WatchCallback) error
	// Close 注销全部条目并释放连接
	Close() error
}

// DirectoryConfig 目录后端配置
type DirectoryConfig struct {
	Backend   string        `toml:"backend"`   // memory | etcd | consul | zookeeper
	Endpoints []string      `toml:"endpoints"` // 注册中心 endpoint
	Prefix    string        `toml:"prefix"`    // 键前缀
	TTL       time.Duration `toml:"ttl"`       // 条目存活时间，由后台续租
	Logger    Logger        `toml:"-"`
}

const (
	DefaultDirectoryPrefix = "/zion/services"
	DefaultDirectoryTTL    = 10 * time.Second
)

func (c *DirectoryConfig) normalize() {
	if c.Prefix == "" {
		c.Prefix = DefaultDirectoryPrefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.TTL <= 0 {
		c.TTL = DefaultDirectoryTTL
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
}

func (c *DirectoryConfig) serviceKey(service string) string {
	return strings.Join([]string{c.Prefix, service}, "/")
}

func (c *DirectoryConfig) entryKey(service, nodeID string) string {
	return strings.Join([]string{c.Prefix, service, nodeID}, "/")
}

func splitKey(key string) (string, string) {
	l := strings.Split(key, "/")
	if len(l) > 2 {
		return l[len(l)-2], l[len(l)-1]
	}
	return "", ""
}

func marshalEntry(e Entry) ([]byte, error) {
	return jsonAPI.Marshal(e)
}

func unmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	err := jsonAPI.Unmarshal(b, &e)
	return e, err
}

// pickEntry 按节点 id 排序取第一个，保证同一快照下结果稳定
func pickEntry(entries []Entry) (Name, bool) {
	if len(entries) == 0 {
		return Name{}, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })
	return entries[0].Name, true
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory 进程内目录，用于测试和单进程部署
type MemoryDirectory struct {
	entries  map[string]map[string]Entry
	watchers map[string][]chan memDirEvent
	mutex    sync.Mutex
}

type memDirEvent struct {
	entry   Entry
	deleted bool
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries:  make(map[string]map[string]Entry),
		watchers: make(map[string][]chan memDirEvent),
	}
}

func (d *MemoryDirectory) Register(ctx context.Context, entry Entry) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	nodes, ok := d.entries[entry.Service]
	if !ok {
		nodes = make(map[string]Entry)
		d.entries[entry.Service] = nodes
	}
	nodes[entry.NodeID] = entry
	d.notify(memDirEvent{entry: entry})
	return nil
}

func (d *MemoryDirectory) Deregister(ctx context.Context, service string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, e := range d.entries[service] {
		d.notify(memDirEvent{entry: e, deleted: true})
	}
	delete(d.entries, service)
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, service string) (Name, error) {
	d.mutex.Lock()
	entries := make([]Entry, 0, len(d.entries[service]))
	for _, e := range d.entries[service] {
		entries = append(entries, e)
	}
	d.mutex.Unlock()

	name, ok := pickEntry(entries)
	if !ok {
		return Name{}, ErrNotFound
	}
	return name, nil
}

func (d *MemoryDirectory) Watch(ctx context.Context, service string, callback WatchCallback) error {
	events := make(chan memDirEvent, 64)
	d.mutex.Lock()
	snapshot := make([]Entry, 0, len(d.entries[service]))
	for _, e := range d.entries[service] {
		snapshot = append(snapshot, e)
	}
	d.watchers[service] = append(d.watchers[service], events)
	d.mutex.Unlock()

	defer func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()
		ws := d.watchers[service]
		for i, w := range ws {
			if w == events {
				d.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}()

	for _, e := range snapshot {
		callback.AddOrUpdate(e)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.deleted {
				callback.Delete(ev.entry.Service, ev.entry.NodeID)
				continue
			}
			callback.AddOrUpdate(ev.entry)
		}
	}
}

// notify 调用方持有锁；监控者消费过慢时丢弃事件
func (d *MemoryDirectory) notify(ev memDirEvent) {
	for _, w := range d.watchers[ev.entry.Service] {
		select {
		case w <- ev:
		default:
		}
	}
}

func (d *MemoryDirectory) Close() error {
	return nil
}
