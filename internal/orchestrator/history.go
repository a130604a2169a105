package orchestrator

import (
	"sync"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// History is a fixed-size ring of recent dispatch summaries.
type History struct {
	mu    sync.Mutex
	items []dispatch.Summary
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{items: make([]dispatch.Summary, size)}
}

func (h *History) Add(s dispatch.Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[h.next] = s
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to n summaries, newest first. n <= 0 returns everything held.
func (h *History) Recent(n int) []dispatch.Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.next
	if h.full {
		count = len(h.items)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]dispatch.Summary, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}
