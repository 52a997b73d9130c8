package period

import "fmt"

// Span is a contiguous run of periods fetched in one request.
type Span struct {
	Start Period
	End   Period
	Len   int
}

func (s Span) String() string {
	return fmt.Sprintf("%s..%s", s.Start, s.End)
}

// ChunkCount returns ceil(n/size), the number of spans Chunk produces.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Chunk partitions periods into consecutive spans of at most size periods.
// The last span may be shorter. Spans never overlap and leave no gaps.
func Chunk(periods []Period, size int) ([]Span, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive (got %d)", size)
	}
	spans := make([]Span, 0, ChunkCount(len(periods), size))
	for i := 0; i < len(periods); i += size {
		j := i + size
		if j > len(periods) {
			j = len(periods)
		}
		spans = append(spans, Span{Start: periods[i], End: periods[j-1], Len: j - i})
	}
	return spans, nil
}
