package handlers

import "sync"

// idIndex maps local listing ids to remote ids across page and enrich goroutines.
type idIndex struct {
	mu  sync.RWMutex
	ids map[int64]string
}

func newIDIndex() *idIndex {
	return &idIndex{ids: make(map[int64]string)}
}

func (x *idIndex) put(id int64, remote string) {
	x.mu.Lock()
	x.ids[id] = remote
	x.mu.Unlock()
}

func (x *idIndex) get(id int64) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.ids[id]
	return r, ok
}
