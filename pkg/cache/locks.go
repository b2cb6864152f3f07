package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// keyLocks maps keys onto a fixed set of reader/writer locks.
type keyLocks [lockStripes]sync.RWMutex

func (l *keyLocks) get(key string) *sync.RWMutex {
	return &l[xxhash.Sum64String(key)%lockStripes]
}
