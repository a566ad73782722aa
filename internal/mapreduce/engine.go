package mapreduce

import (
	"bufio"
	"fmt"
	"strings"
)

// Engine runs a whole job sequentially in memory with no combining and no
// scheduler. It is the oracle the distributed path is checked against.
type Engine struct {
	numReduces int
}

// NewEngine creates a new in-memory engine.
func NewEngine(numReduces int) *Engine {
	if numReduces < 1 {
		numReduces = 1
	}
	return &Engine{numReduces: numReduces}
}

// Execute maps every line of input, shuffles by partition and reduces each
// shard. The result holds the "key value" lines of every shard, keys ascending.
func (e *Engine) Execute(input string, mapper Mapper, reducer Reducer) ([][]string, error) {
	shards := make([]*Shuffle, e.numReduces)
	for i := range shards {
		shards[i] = NewShuffle()
	}

	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		err := mapper.Map(scanner.Text(), func(key, value string) error {
			shards[Partition(key, e.numReduces)].Add(key, value)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("map failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make([][]string, e.numReduces)
	for r, shard := range shards {
		lines, err := ReduceShard(shard, reducer)
		if err != nil {
			return nil, err
		}
		out[r] = lines
	}
	return out, nil
}

// ReduceShard invokes the reducer once per key, keys ascending, and formats "key value" lines.
func ReduceShard(shard *Shuffle, reducer Reducer) ([]string, error) {
	var lines []string
	for _, key := range shard.Keys() {
		values, err := reducer.Reduce(key, shard.Values(key))
		if err != nil {
			return nil, fmt.Errorf("reduce %q failed: %w", key, err)
		}
		for _, v := range values {
			lines = append(lines, key+" "+v)
		}
	}
	return lines, nil
}
