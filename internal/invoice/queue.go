package invoice

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIndexOutOfRange is returned when removing a position the queue does not have
var ErrIndexOutOfRange = errors.New("index out of range")

// Queue holds the documents awaiting a run, in upload order. Names are
// unique: enqueueing a name that is already queued is a no-op.
type Queue struct {
	mu   sync.Mutex
	docs []Document
}

// NewQueue creates an empty Queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends the documents whose name is not queued yet. It returns the
// updated queue and the documents that were added.
func (q *Queue) Enqueue(docs ...Document) (queued, added []Document) {
	q.mu.Lock()
	defer q.mu.Unlock()

	added = []Document{}
	for _, doc := range docs {
		if q.contains(doc.Name) {
			continue
		}
		q.docs = append(q.docs, doc)
		added = append(added, doc)
	}
	return q.snapshot(), added
}

// Remove deletes the document at index and returns the updated queue
func (q *Queue) Remove(index int) ([]Document, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.docs) {
		return q.snapshot(), fmt.Errorf("removing document %d of %d: %w", index, len(q.docs), ErrIndexOutOfRange)
	}
	q.docs = append(q.docs[:index], q.docs[index+1:]...)
	return q.snapshot(), nil
}

// Drain returns every queued document and empties the queue
func (q *Queue) Drain() []Document {
	q.mu.Lock()
	defer q.mu.Unlock()

	docs := q.docs
	q.docs = nil
	if docs == nil {
		return []Document{}
	}
	return docs
}

// List returns a copy of the queued documents
func (q *Queue) List() []Document {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Len returns the number of queued documents
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.docs)
}

func (q *Queue) contains(name string) bool {
	for _, doc := range q.docs {
		if doc.Name == name {
			return true
		}
	}
	return false
}

// snapshot must be called with mu held
func (q *Queue) snapshot() []Document {
	out := make([]Document, len(q.docs))
	copy(out, q.docs)
	return out
}
