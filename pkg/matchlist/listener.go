package matchlist

import "sync"

// ListChangeListener 名单内容发生变化后被同步调用
type ListChangeListener interface {
	OnListChanged()
}

// ListChangeFunc 函数形式的监听器
type ListChangeFunc func()

func (f ListChangeFunc) OnListChanged() {
	f()
}

// Subscription 监听器注册句柄，用于取消订阅
type Subscription uint64

type listenerEntry struct {
	id       Subscription
	listener ListChangeListener
}

// listenerRegistry 按注册顺序保存监听器，生命周期与所属名单一致
type listenerRegistry struct {
	mu      sync.Mutex
	next    Subscription
	entries []listenerEntry
}

func (r *listenerRegistry) add(l ListChangeListener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.entries = append(r.entries, listenerEntry{id: r.next, listener: l})
	return r.next
}

func (r *listenerRegistry) remove(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// notify 在调用方的goroutine上依次通知，通知期间不持有锁
func (r *listenerRegistry) notify() {
	r.mu.Lock()
	entries := r.entries
	r.mu.Unlock()

	for _, e := range entries {
		e.listener.OnListChanged()
	}
}
