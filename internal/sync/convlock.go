package sync

import gosync "sync"

// convLocks serializes the synchronous part of sends per conversation.
type convLocks struct {
	mu    gosync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	gosync.Mutex
	refs int
}

// lock blocks until the caller owns conversationID and returns the unlock
// function.
func (c *convLocks) lock(conversationID string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*convLock)
	}
	l, ok := c.locks[conversationID]
	if !ok {
		l = &convLock{}
		c.locks[conversationID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}
