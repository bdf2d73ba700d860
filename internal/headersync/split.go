package headersync

// Span is a half-open range of block heights [From, To).
type Span struct {
	From int64
	To   int64
}

// Len returns the number of heights covered by the span.
func (s Span) Len() int64 { return s.To - s.From }

// splitRange partitions [from, to) into at most n contiguous, disjoint,
// gap-free spans of near-equal size. The remainder is distributed to the
// earliest spans, and no empty span is ever produced: when the range holds
// fewer heights than n, one span per height is returned.
func splitRange(from, to int64, n int) []Span {
	if to <= from || n <= 0 {
		return nil
	}

	total := to - from
	if int64(n) > total {
		n = int(total)
	}

	size := total / int64(n)
	rem := total % int64(n)

	spans := make([]Span, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next := cur + size
		if int64(i) < rem {
			next++
		}
		spans = append(spans, Span{From: cur, To: next})
		cur = next
	}

	return spans
}
