package zion

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

var _ Directory = (*zookeeperDirectory)(nil)

type zookeeperDirectory struct {
	cnf    DirectoryConfig
	client *zk.Conn

	registered map[string]string // service : znode path
	closed     chan struct{}
	mutex      sync.Mutex
}

// NewZookeeperDirectory 基于 zookeeper 的目录，条目是临时节点，会话结束即删除
func NewZookeeperDirectory(cnf DirectoryConfig) (Directory, error) {
	cnf.normalize()
	client, _, err := zk.Connect(cnf.Endpoints, cnf.TTL)
	if err != nil {
		return nil, errors.WithMessage(err, "zookeeper directory")
	}

	return &zookeeperDirectory{
		cnf:        cnf,
		client:     client,
		registered: make(map[string]string),
		closed:     make(chan struct{}),
	}, nil
}

func (zd *zookeeperDirectory) Register(ctx context.Context, entry Entry) error {
	value, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	if err := zd.createPNode(zd.cnf.serviceKey(entry.Service)); err != nil {
		return errors.WithMessagef(err, "zookeeper directory: create %s", zd.cnf.serviceKey(entry.Service))
	}

	key := zd.cnf.entryKey(entry.Service, entry.NodeID)
	exist, stat, err := zd.client.Exists(key)
	if err != nil {
		return errors.WithMessage(err, "zookeeper directory")
	}
	if !exist {
		// 创建临时节点
		_, err = zd.client.Create(key, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	} else {
		_, err = zd.client.Set(key, value, stat.Version)
	}
	if err != nil {
		return errors.WithMessagef(err, "zookeeper directory: register %s", key)
	}

	zd.mutex.Lock()
	zd.registered[entry.Service] = key
	zd.mutex.Unlock()
	zd.cnf.Logger.Infof("zookeeper directory: %s registered", key)
	return nil
}

func (zd *zookeeperDirectory) createPNode(node string) error {
	pathPrefix := ""
	for _, seq := range strings.Split(node, "/") {
		if len(seq) == 0 {
			continue
		}

		pathPrefix = pathPrefix + "/" + seq
		exist, _, err := zd.client.Exists(pathPrefix)
		if err != nil {
			return err
		}
		if !exist {
			// 持久节点
			_, err = zd.client.Create(pathPrefix, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (zd *zookeeperDirectory) Deregister(ctx context.Context, service string) error {
	zd.mutex.Lock()
	key, ok := zd.registered[service]
	delete(zd.registered, service)
	zd.mutex.Unlock()
	if !ok {
		return nil
	}

	err := zd.client.Delete(key, -1)
	if err != nil && err != zk.ErrNoNode {
		return errors.WithMessagef(err, "zookeeper directory: delete %s", key)
	}
	return nil
}

func (zd *zookeeperDirectory) entries(service string, children []string) map[string]Entry {
	result := make(map[string]Entry, len(children))
	for _, child := range children {
		path := zd.cnf.entryKey(service, child)
		data, _, err := zd.client.Get(path)
		if err != nil {
			if err != zk.ErrNoNode {
				zd.cnf.Logger.Warnf("zookeeper directory: get path:%s fail, err: %v", path, err)
			}
			continue
		}
		e, err := unmarshalEntry(data)
		if err != nil {
			zd.cnf.Logger.Warnf("zookeeper directory: bad entry %s, err: %v", path, err)
			continue
		}
		result[child] = e
	}
	return result
}

func (zd *zookeeperDirectory) Lookup(ctx context.Context, service string) (Name, error) {
	children, _, err := zd.client.Children(zd.cnf.serviceKey(service))
	if err == zk.ErrNoNode {
		return Name{}, ErrNotFound
	}
	if err != nil {
		return Name{}, errors.WithMessage(err, "zookeeper directory")
	}

	found := zd.entries(service, children)
	entries := make([]Entry, 0, len(found))
	for _, e := range found {
		entries = append(entries, e)
	}
	name, ok := pickEntry(entries)
	if !ok {
		return Name{}, ErrNotFound
	}
	return name, nil
}

func (zd *zookeeperDirectory) Watch(ctx context.Context, service string, callback WatchCallback) error {
	node := zd.cnf.serviceKey(service)
	if err := zd.createPNode(node); err != nil {
		return errors.WithMessagef(err, "zookeeper directory: create %s", node)
	}

	known := make(map[string]Entry)
	for {
		children, _, eventch, err := zd.client.ChildrenW(node)
		if err != nil {
			if err == zk.ErrConnectionClosed {
				return ErrNodeClosed
			}
			zd.cnf.Logger.Warnf("zookeeper directory: watch path:%s fail, err: %v", node, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		current := zd.entries(service, children)
		for nodeID, e := range current {
			if old, ok := known[nodeID]; ok && old.Name == e.Name {
				continue
			}
			if err := callback.AddOrUpdate(e); err != nil {
				zd.cnf.Logger.Warnf("zookeeper directory: %s AddOrUpdate fail, err: %v", nodeID, err)
			}
		}
		for nodeID := range known {
			if _, ok := current[nodeID]; !ok {
				callback.Delete(service, nodeID)
			}
		}
		known = current

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-zd.closed:
			return ErrNodeClosed
		case <-eventch:
		}
	}
}

func (zd *zookeeperDirectory) Close() error {
	zd.mutex.Lock()
	select {
	case <-zd.closed:
		zd.mutex.Unlock()
		return nil
	default:
	}
	close(zd.closed)
	zd.mutex.Unlock()

	// 临时节点随会话一起删除
	zd.client.Close()
	return nil
}
