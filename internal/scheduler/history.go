package scheduler

import "github.com/conductorlabs/conductor/internal/models"

// historyRing keeps the most recent terminal tasks for status queries after
// they leave the working set. Oldest entries fall off once capacity is
// reached; Flush empties it on caller request.
type historyRing struct {
	buf  []*models.Task
	byID map[string]*models.Task
	next int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &historyRing{
		buf:  make([]*models.Task, capacity),
		byID: make(map[string]*models.Task, capacity),
	}
}

func (r *historyRing) add(task *models.Task) {
	if old := r.buf[r.next]; old != nil {
		delete(r.byID, old.ID)
	}
	r.buf[r.next] = task
	r.byID[task.ID] = task
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *historyRing) get(id string) (*models.Task, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *historyRing) flush() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.byID = make(map[string]*models.Task, len(r.buf))
	r.next = 0
	r.size = 0
}
