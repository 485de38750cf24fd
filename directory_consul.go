package zion

import (
	"context"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

var _ Directory = (*consulDirectory)(nil)

type consulDirectory struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf    DirectoryConfig
	client *consulapi.Client

	sessions map[string]consulSession // service : session
	mutex    sync.Mutex
}

type consulSession struct {
	id     string
	key    string
	doneCh chan struct{}
}

// NewConsulDirectory 基于 consul KV 的目录。条目由 TTL 会话持有，
// 会话失效（进程退出、续期失败）时条目被删除
func NewConsulDirectory(cnf DirectoryConfig) (Directory, error) {
	cnf.normalize()
	consulConfig := consulapi.DefaultConfig()
	if len(cnf.Endpoints) > 0 {
		consulConfig.Address = cnf.Endpoints[0]
	}
	client, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "consul directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulDirectory{
		ctx:      ctx,
		cancel:   cancel,
		cnf:      cnf,
		client:   client,
		sessions: make(map[string]consulSession),
	}, nil
}

// consul 的 KV 键不带前导 '/'
func (cd *consulDirectory) kvKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (cd *consulDirectory) Register(ctx context.Context, entry Entry) error {
	value, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	wopts := (&consulapi.WriteOptions{}).WithContext(ctx)

	ttl := cd.cnf.TTL.String()
	sessionID, _, err := cd.client.Session().Create(&consulapi.SessionEntry{
		Name:     "zion-" + entry.Service,
		TTL:      ttl,
		Behavior: consulapi.SessionBehaviorDelete,
	}, wopts)
	if err != nil {
		return errors.WithMessage(err, "consul directory: create session")
	}

	key := cd.kvKey(cd.cnf.entryKey(entry.Service, entry.NodeID))
	ok, _, err := cd.client.KV().Acquire(&consulapi.KVPair{
		Key:     key,
		Value:   value,
		Session: sessionID,
	}, wopts)
	if err != nil || !ok {
		cd.client.Session().Destroy(sessionID, nil)
		if err == nil {
			err = errors.Errorf("key %s locked by another session", key)
		}
		return errors.WithMessage(err, "consul directory: acquire")
	}

	s := consulSession{id: sessionID, key: key, doneCh: make(chan struct{})}
	cd.mutex.Lock()
	old, exists := cd.sessions[entry.Service]
	cd.sessions[entry.Service] = s
	cd.mutex.Unlock()
	if exists {
		close(old.doneCh)
		cd.client.Session().Destroy(old.id, nil)
	}

	go func() {
		if err := cd.client.Session().RenewPeriodic(ttl, sessionID, nil, s.doneCh); err != nil {
			cd.cnf.Logger.Warnf("consul directory: renew session %s, err: %v", sessionID, err)
		}
	}()
	cd.cnf.Logger.Infof("consul directory: %s registered", key)
	return nil
}

func (cd *consulDirectory) Deregister(ctx context.Context, service string) error {
	cd.mutex.Lock()
	s, ok := cd.sessions[service]
	delete(cd.sessions, service)
	cd.mutex.Unlock()
	if !ok {
		return nil
	}

	close(s.doneCh)
	wopts := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := cd.client.KV().Delete(s.key, wopts); err != nil {
		return errors.WithMessage(err, "consul directory: delete")
	}
	if _, err := cd.client.Session().Destroy(s.id, wopts); err != nil {
		cd.cnf.Logger.Warnf("consul directory: destroy session %s, err: %v", s.id, err)
	}
	return nil
}

func (cd *consulDirectory) list(ctx context.Context, service string, waitIndex uint64) ([]Entry, uint64, error) {
	qopts := (&consulapi.QueryOptions{
		WaitIndex: waitIndex, // 同步点，这个调用将一直阻塞，直到有新的更新
		WaitTime:  time.Minute,
	}).WithContext(ctx)
	pairs, meta, err := cd.client.KV().List(cd.kvKey(cd.cnf.serviceKey(service))+"/", qopts)
	if err != nil {
		return nil, waitIndex, err
	}

	entries := make([]Entry, 0, len(pairs))
	for _, kv := range pairs {
		e, err := unmarshalEntry(kv.Value)
		if err != nil {
			cd.cnf.Logger.Warnf("consul directory: bad entry %s, err: %v", kv.Key, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, meta.LastIndex, nil
}

func (cd *consulDirectory) Lookup(ctx context.Context, service string) (Name, error) {
	entries, _, err := cd.list(ctx, service, 0)
	if err != nil {
		return Name{}, errors.WithMessage(err, "consul directory: list")
	}
	name, ok := pickEntry(entries)
	if !ok {
		return Name{}, ErrNotFound
	}
	return name, nil
}

func (cd *consulDirectory) Watch(ctx context.Context, service string, callback WatchCallback) error {
	var (
		lastIndex uint64
		known     = make(map[string]Entry)
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cd.ctx.Done():
			return ErrNodeClosed
		default:
		}

		entries, index, err := cd.list(ctx, service, lastIndex)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cd.cnf.Logger.Warnf("consul directory: watch fail, err: %v", err)
			time.Sleep(time.Second)
			continue
		}
		// 索引回退时重新开始
		if index < lastIndex {
			index = 0
		}
		lastIndex = index

		current := make(map[string]Entry, len(entries))
		for _, e := range entries {
			current[e.NodeID] = e
			if old, ok := known[e.NodeID]; ok && old.Name == e.Name {
				continue
			}
			if err := callback.AddOrUpdate(e); err != nil {
				cd.cnf.Logger.Warnf("consul directory: %s AddOrUpdate fail, err: %v", e.NodeID, err)
			}
		}
		for nodeID := range known {
			if _, ok := current[nodeID]; !ok {
				callback.Delete(service, nodeID)
			}
		}
		known = current
	}
}

func (cd *consulDirectory) Close() error {
	cd.mutex.Lock()
	services := make([]string, 0, len(cd.sessions))
	for s := range cd.sessions {
		services = append(services, s)
	}
	cd.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range services {
		if err := cd.Deregister(ctx, s); err != nil {
			cd.cnf.Logger.Errorf("consul directory: %s deregister fail, err: %v", s, err)
		}
	}
	cd.cancel()
	return nil
}
