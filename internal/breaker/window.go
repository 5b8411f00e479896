package breaker

import "time"

type bucket struct {
	epoch    int64
	requests int64
	errors   int64
}

// window counts observations in fixed-width buckets. A bucket is reused once
// its epoch falls out of the window, so memory is bounded by the bucket count.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(size time.Duration, n int) *window {
	if n < 1 {
		n = 1
	}
	width := size / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{width: width, buckets: make([]bucket, n)}
}

func (w *window) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *window) record(now time.Time, failed bool) {
	e := w.epoch(now)
	b := &w.buckets[int(e%int64(len(w.buckets)))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	b.requests++
	if failed {
		b.errors++
	}
}

func (w *window) totals(now time.Time) (requests, errors int64) {
	e := w.epoch(now)
	oldest := e - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch >= oldest && b.epoch <= e {
			requests += b.requests
			errors += b.errors
		}
	}
	return requests, errors
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
