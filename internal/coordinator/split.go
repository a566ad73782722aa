package coordinator

import (
	"bytes"

	"CombineMR/internal/types"
)

// splitInput cuts data into n contiguous ranges of about equal size. Every
// range except the last ends just after a newline, so no line is cut in two.
// Ranges may be empty when lines are long or the input is small.
func splitInput(data []byte, n int) []types.Split {
	size := int64(len(data))
	splits := make([]types.Split, 0, n)

	var start int64
	for i := 0; i < n; i++ {
		end := size * int64(i+1) / int64(n)
		if end < start {
			end = start
		}
		if i == n-1 {
			end = size
		}
		if end > 0 && end < size && data[end-1] != '\n' {
			if nl := bytes.IndexByte(data[end:], '\n'); nl < 0 {
				end = size
			} else {
				end += int64(nl) + 1
			}
		}
		splits = append(splits, types.Split{Offset: start, Length: end - start})
		start = end
	}
	return splits
}
