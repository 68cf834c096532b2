package loopback

import (
	"container/heap"
	"time"
)

// VirtualClock время симуляции. Часы стоят, пока сеть не попросит
// следующее событие, и тогда перескакивают к его моменту.
type VirtualClock struct {
	start time.Time
	now   time.Time
	seq   uint64
	queue eventQueue
}

type scheduled struct {
	at  time.Time
	seq uint64
	fn  func()
}

// NewVirtualClock создает часы, показывающие start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{start: start, now: start}
}

// Now текущее время симуляции.
func (c *VirtualClock) Now() time.Time { return c.now }

// Elapsed время с момента создания часов.
func (c *VirtualClock) Elapsed() time.Duration { return c.now.Sub(c.start) }

// Schedule выполнит fn через after. События с одинаковым временем
// выполняются в порядке постановки.
func (c *VirtualClock) Schedule(after time.Duration, fn func()) {
	if after < 0 {
		after = 0
	}
	c.seq++
	heap.Push(&c.queue, &scheduled{at: c.now.Add(after), seq: c.seq, fn: fn})
}

// Next момент ближайшего события.
func (c *VirtualClock) Next() (time.Time, bool) {
	if len(c.queue) == 0 {
		return time.Time{}, false
	}
	return c.queue[0].at, true
}

// Advance переводит часы к ближайшему событию и выполняет его.
func (c *VirtualClock) Advance() bool {
	if len(c.queue) == 0 {
		return false
	}
	ev := heap.Pop(&c.queue).(*scheduled)
	if ev.at.After(c.now) {
		c.now = ev.at
	}
	ev.fn()
	return true
}

// Pending количество запланированных событий.
func (c *VirtualClock) Pending() int { return len(c.queue) }

type eventQueue []*scheduled

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*scheduled)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
