package events

// eventHeap is a max-heap ordered by priority, with FIFO ordering among
// events of equal priority (via the publish sequence number).
type eventHeap struct {
	items []heapItem
}

type heapItem struct {
	ev  *Event
	seq uint64
}

func (h *eventHeap) Len() int { return len(h.items) }

func (h *eventHeap) less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.ev.Priority != b.ev.Priority {
		return a.ev.Priority > b.ev.Priority
	}
	return a.seq < b.seq
}

func (h *eventHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *eventHeap) push(ev *Event, seq uint64) {
	h.items = append(h.items, heapItem{ev: ev, seq: seq})
	h.up(len(h.items) - 1)
}

func (h *eventHeap) pop() *Event {
	n := len(h.items) - 1
	h.swap(0, n)
	item := h.items[n]
	h.items = h.items[:n]
	if n > 0 {
		h.down(0)
	}
	return item.ev
}

func (h *eventHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *eventHeap) down(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		smallest := left
		if right := left + 1; right < n && h.less(right, left) {
			smallest = right
		}
		if !h.less(smallest, i) {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}
