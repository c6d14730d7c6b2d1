// Package ratelimit holds the two limiters the chat hub relies on: the
// per-session sliding window that detects message spam, and the per-IP
// token bucket that guards websocket accepts.
package ratelimit

import "time"

// Window is a sliding window over the timestamps of the most recent
// Capacity messages. It trips when Capacity messages land inside Span.
type Window struct {
	Capacity int
	Span     time.Duration
}

// DefaultWindow is five messages in five seconds.
var DefaultWindow = Window{Capacity: 5, Span: 5 * time.Second}

// Push appends nowMs to times, evicting the oldest entries once the window
// holds Capacity timestamps. It returns the updated slice and whether the
// window is saturated: full, and the oldest retained timestamp is less than
// Span before nowMs.
func (w Window) Push(times []int64, nowMs int64) ([]int64, bool) {
	capacity := w.Capacity
	if capacity < 1 {
		capacity = 1
	}
	times = append(times, nowMs)
	if over := len(times) - capacity; over > 0 {
		times = append(times[:0:0], times[over:]...)
	}
	if len(times) < capacity {
		return times, false
	}
	return times, nowMs-times[0] < w.Span.Milliseconds()
}
