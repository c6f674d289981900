package notify

import "sync"

// DefaultAlertCapacity is the number of alerted ids remembered.
const DefaultAlertCapacity = 100

// AlertLog is a bounded set of notification ids that were already alerted.
// When full, the oldest id is evicted first.
type AlertLog struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewAlertLog creates a log holding at most capacity ids.
func NewAlertLog(capacity int) *AlertLog {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &AlertLog{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// MarkOnce records id and reports whether it was not recorded before.
// Check and insert happen under one lock.
func (l *AlertLog) MarkOnce(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	if len(l.order) == l.capacity {
		oldest := l.order[0]
		copy(l.order, l.order[1:])
		l.order = l.order[:len(l.order)-1]
		delete(l.seen, oldest)
	}
	l.order = append(l.order, id)
	l.seen[id] = struct{}{}
	return true
}

// Contains reports whether id is recorded.
func (l *AlertLog) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of recorded ids.
func (l *AlertLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Reset forgets every id.
func (l *AlertLog) Reset() {
	l.mu.Lock()
	l.order = l.order[:0]
	l.seen = make(map[string]struct{}, l.capacity)
	l.mu.Unlock()
}
