package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/callsession/backend/model"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultEndedCacheSize = 1024
)

var (
	ErrSlotOccupied    = errors.New("session slot is occupied")
	ErrSessionNotFound = errors.New("session is not found")
)

// MemStore holds the one current session and remembers recently ended call
// ids so late duplicates can be recognized.
type MemStore struct {
	mx    *sync.Mutex
	cur   *model.CallSession
	ended *lru.Cache[string, time.Time]
}

func NewMemStore(endedCacheSize int) (*MemStore, error) {
	if endedCacheSize <= 0 {
		endedCacheSize = defaultEndedCacheSize
	}
	ended, err := lru.New[string, time.Time](endedCacheSize)
	if err != nil {
		return nil, err
	}
	return &MemStore{
		mx:    &sync.Mutex{},
		ended: ended,
	}, nil
}

func (ms *MemStore) Create(sess *model.CallSession) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.cur != nil {
		return ErrSlotOccupied
	}
	ms.cur = sess
	return nil
}

// Current returns the stored session itself, not a copy. Callers mutate it
// only while holding their own exclusive section.
func (ms *MemStore) Current() (*model.CallSession, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.cur, ms.cur != nil
}

// Clear empties the slot and records callID as ended.
func (ms *MemStore) Clear(callID string, at time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.cur == nil || ms.cur.CallID != callID {
		return ErrSessionNotFound
	}
	ms.cur = nil
	ms.ended.Add(callID, at)
	return nil
}

func (ms *MemStore) Ended(callID string) bool {
	return ms.ended.Contains(callID)
}
