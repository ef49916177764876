package pool

// requestQueue is the bounded, priority-partitioned backlog. Three tiers:
// high-priority requests are served first, newest high first (a later urgent
// request preempts earlier urgent ones), then normal and low in arrival
// order. Not safe for concurrent use; callers hold the pool mutex.
type requestQueue struct {
	highs   []*request
	normals []*request
	lows    []*request
}

// Push inserts a request into its priority tier.
func (q *requestQueue) Push(req *request) {
	switch req.Priority {
	case PriorityHigh:
		q.highs = append(q.highs, req)
	case PriorityLow:
		q.lows = append(q.lows, req)
	default:
		q.normals = append(q.normals, req)
	}
}

// Pop removes and returns the next request to dispatch, or nil when empty.
func (q *requestQueue) Pop() *request {
	if n := len(q.highs); n > 0 {
		req := q.highs[n-1]
		q.highs[n-1] = nil
		q.highs = q.highs[:n-1]
		return req
	}
	if len(q.normals) > 0 {
		req := q.normals[0]
		q.normals[0] = nil
		q.normals = q.normals[1:]
		return req
	}
	if len(q.lows) > 0 {
		req := q.lows[0]
		q.lows[0] = nil
		q.lows = q.lows[1:]
		return req
	}
	return nil
}

// Len returns the total number of queued requests.
func (q *requestQueue) Len() int {
	return len(q.highs) + len(q.normals) + len(q.lows)
}

// Drain empties the queue and returns all pending requests.
func (q *requestQueue) Drain() []*request {
	pending := make([]*request, 0, q.Len())
	for req := q.Pop(); req != nil; req = q.Pop() {
		pending = append(pending, req)
	}
	return pending
}
