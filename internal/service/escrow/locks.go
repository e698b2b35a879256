package escrow

import (
	"fmt"
	"sync"
)

// KeyedLocks 按 (project, mid) 粒度的进程内互斥锁。
// 保证同一里程碑同一时刻最多一笔在途链上交易；不同里程碑互不阻塞。
// 项目级操作（创建）用 mid=-1 的键。
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*lockEntry)}
}

// Acquire 阻塞直到拿到键锁，返回释放函数
func (k *KeyedLocks) Acquire(projectID int64, mid int) func() {
	key := fmt.Sprintf("%d/%d", projectID, mid)

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
