package tick

import (
	"sync"

	"github.com/annel0/kmp-host/internal/authority"
)

// CommandQueue входящие команды в кольцевом буфере фиксированного размера.
// Безопасна для многих писателей и одного читателя (тик-поток).
type CommandQueue struct {
	mu    sync.Mutex
	data  []authority.Envelope
	head  int
	tail  int
	count int
}

// NewCommandQueue создаёт очередь заданной ёмкости
func NewCommandQueue(capacity int) *CommandQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &CommandQueue{data: make([]authority.Envelope, capacity)}
}

// Capacity максимальное число команд
func (q *CommandQueue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Push кладёт команду; false — очередь заполнена
func (q *CommandQueue) Push(env authority.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		return false
	}
	q.data[q.tail] = env
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// Drain забирает до max команд в порядке FIFO. max <= 0 — все.
// Остаток ждёт следующего тика.
func (q *CommandQueue) Drain(max int) []authority.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && n > max {
		n = max
	}
	out := make([]authority.Envelope, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.data)
		out[i] = q.data[idx]
		q.data[idx] = authority.Envelope{} // отпускаем Done-замыкания
	}
	q.head = (q.head + n) % len(q.data)
	q.count -= n
	return out
}

// Len количество команд в очереди
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
