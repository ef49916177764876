package driver

// completionTracker decides when a streamed response has finished. A response
// is complete once it is non-empty, the surface is no longer generating, and
// the text has been unchanged for a configured number of consecutive polls.
type completionTracker struct {
	need   int
	last   string
	stable int
}

func newCompletionTracker(need int) *completionTracker {
	if need <= 0 {
		need = 1
	}
	return &completionTracker{need: need}
}

// Observe records one poll of the surface and reports completion.
func (t *completionTracker) Observe(text string, generating bool) bool {
	if text != t.last {
		t.last = text
		t.stable = 0
		return false
	}
	if text == "" || generating {
		t.stable = 0
		return false
	}
	t.stable++
	return t.stable >= t.need
}

// Text returns the most recently observed response text.
func (t *completionTracker) Text() string {
	return t.last
}
