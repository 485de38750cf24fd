package zion

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var _ Directory = (*etcdDirectory)(nil)

type etcdDirectory struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf     DirectoryConfig
	client  *clientv3.Client
	leases  map[string]clientv3.LeaseID // service : 租约 id
	nodeIDs map[string]string           // service : node id
	mutex   sync.Mutex
}

// NewEtcdDirectory 基于 etcd 的目录，条目挂在租约上，由后台定期续租
func NewEtcdDirectory(cnf DirectoryConfig) (Directory, error) {
	cnf.normalize()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cnf.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "etcd directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdDirectory{
		ctx:     ctx,
		cancel:  cancel,
		cnf:     cnf,
		client:  client,
		leases:  make(map[string]clientv3.LeaseID),
		nodeIDs: make(map[string]string),
	}, nil
}

func (ed *etcdDirectory) Register(ctx context.Context, entry Entry) error {
	value, err := marshalEntry(entry)
	if err != nil {
		return err
	}

	resp, err := ed.client.Grant(ctx, int64(ed.cnf.TTL.Seconds())+3)
	if err != nil {
		return errors.WithMessage(err, "etcd directory: grant")
	}
	key := ed.cnf.entryKey(entry.Service, entry.NodeID)
	if _, err = ed.client.Put(ctx, key, string(value), clientv3.WithLease(resp.ID)); err != nil {
		return errors.WithMessage(err, "etcd directory: put")
	}

	ed.mutex.Lock()
	ed.leases[entry.Service] = resp.ID
	ed.nodeIDs[entry.Service] = entry.NodeID
	ed.mutex.Unlock()

	go ed.keepalive(entry.Service, key, string(value), resp.ID)
	ed.cnf.Logger.Infof("etcd directory: %s registered", key)
	return nil
}

// keepalive 续租；租约丢失后重新注册
func (ed *etcdDirectory) keepalive(service, key, value string, leaseID clientv3.LeaseID) {
	tick := time.NewTicker(ed.cnf.TTL)
	defer tick.Stop()

	for {
		select {
		case <-ed.ctx.Done():
			return
		case <-tick.C:
		}

		ed.mutex.Lock()
		current, ok := ed.leases[service]
		ed.mutex.Unlock()
		if !ok || current != leaseID {
			return
		}

		ctx, cancel := context.WithTimeout(ed.ctx, 5*time.Second)
		_, err := ed.client.KeepAliveOnce(ctx, leaseID)
		if err == nil {
			cancel()
			ed.cnf.Logger.Debugf("etcd directory: %s renewal succ", key)
			continue
		}
		ed.cnf.Logger.Warnf("etcd directory: %s, leaseid: %d, err: %v", key, leaseID, err)

		resp, err := ed.client.Grant(ctx, int64(ed.cnf.TTL.Seconds())+3)
		if err == nil {
			_, err = ed.client.Put(ctx, key, value, clientv3.WithLease(resp.ID))
		}
		cancel()
		if err != nil {
			ed.cnf.Logger.Warnf("etcd directory: %s register fail, err: %v", key, err)
			continue
		}
		ed.mutex.Lock()
		ed.leases[service] = resp.ID
		ed.mutex.Unlock()
		leaseID = resp.ID
	}
}

func (ed *etcdDirectory) Deregister(ctx context.Context, service string) error {
	ed.mutex.Lock()
	leaseID, ok := ed.leases[service]
	nodeID := ed.nodeIDs[service]
	delete(ed.leases, service)
	delete(ed.nodeIDs, service)
	ed.mutex.Unlock()
	if !ok {
		return nil
	}

	if _, err := ed.client.Delete(ctx, ed.cnf.entryKey(service, nodeID)); err != nil {
		return errors.WithMessage(err, "etcd directory: delete")
	}
	if _, err := ed.client.Revoke(ctx, leaseID); err != nil {
		ed.cnf.Logger.Warnf("etcd directory: revoke lease %d, err: %v", leaseID, err)
	}
	return nil
}

func (ed *etcdDirectory) Lookup(ctx context.Context, service string) (Name, error) {
	result, err := ed.client.Get(ctx, ed.cnf.serviceKey(service)+"/", clientv3.WithPrefix())
	if err != nil {
		return Name{}, errors.WithMessage(err, "etcd directory: get")
	}

	entries := make([]Entry, 0, len(result.Kvs))
	for _, kv := range result.Kvs {
		e, err := unmarshalEntry(kv.Value)
		if err != nil {
			ed.cnf.Logger.Warnf("etcd directory: bad entry %s, err: %v", kv.Key, err)
			continue
		}
		entries = append(entries, e)
	}
	name, ok := pickEntry(entries)
	if !ok {
		return Name{}, ErrNotFound
	}
	return name, nil
}

func (ed *etcdDirectory) Watch(ctx context.Context, service string, callback WatchCallback) error {
	prefix := ed.cnf.serviceKey(service) + "/"
	result, err := ed.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "etcd directory: get")
	}
	for _, kv := range result.Kvs {
		e, err := unmarshalEntry(kv.Value)
		if err != nil {
			continue
		}
		if err := callback.AddOrUpdate(e); err != nil {
			ed.cnf.Logger.Warnf("etcd directory: %s AddOrUpdate fail, err: %v", kv.Key, err)
		}
	}

	watch := ed.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(result.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ed.ctx.Done():
			return ErrNodeClosed
		case ret, ok := <-watch:
			if !ok {
				return ctx.Err()
			}
			if err := ret.Err(); err != nil {
				ed.cnf.Logger.Errorf("etcd directory: watch err, err: %v", err)
				continue
			}
			for _, event := range ret.Events {
				if event.Kv == nil {
					continue
				}
				svc, nodeID := splitKey(string(event.Kv.Key))
				switch event.Type {
				case clientv3.EventTypePut:
					e, err := unmarshalEntry(event.Kv.Value)
					if err != nil {
						continue
					}
					callback.AddOrUpdate(e)
				case clientv3.EventTypeDelete:
					callback.Delete(svc, nodeID)
				}
			}
		}
	}
}

func (ed *etcdDirectory) Close() error {
	ed.mutex.Lock()
	services := make([]string, 0, len(ed.leases))
	for s := range ed.leases {
		services = append(services, s)
	}
	ed.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range services {
		if err := ed.Deregister(ctx, s); err != nil {
			ed.cnf.Logger.Errorf("etcd directory: %s deregister fail, err: %v", s, err)
		}
	}
	ed.cancel()
	return ed.client.Close()
}
