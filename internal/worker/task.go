package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"CombineMR/internal/combiner"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/types"
)

// checkEvery is how many input lines a map task processes between checks for
// cancellation
const checkEvery = 1024

// writeQueue bounds how many encoded partitions wait for the writer
const writeQueue = 4

// IntermediatePath is where map task m writes partition r in the given epoch.
// Naming files by epoch keeps a superseded attempt from overwriting the
// accepted one.
func IntermediatePath(dir string, m, r int, epoch int64) string {
	return path.Join(dir, fmt.Sprintf("mr-%d-%d-%d", m, r, epoch))
}

// OutputPath is the final file of reduce task r
func OutputPath(dir string, r int) string {
	return path.Join(dir, fmt.Sprintf("mr-out-%d", r))
}

func (w *Worker) runMap(ctx context.Context, a *types.Assignment) ([]string, *types.CombinerDecision, error) {
	mapper, err := w.library.Mapper(a.Mapper)
	if err != nil {
		return nil, nil, err
	}
	comb, err := w.library.Combiner(a.Combiner)
	if err != nil {
		return nil, nil, err
	}

	data, err := w.store.Read(a.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read input %s: %w", a.Input, err)
	}
	end := a.Split.Offset + a.Split.Length
	if a.Split.Offset < 0 || end > int64(len(data)) || a.Split.Length < 0 {
		return nil, nil, fmt.Errorf("split %d+%d outside input of %d bytes", a.Split.Offset, a.Split.Length, len(data))
	}

	pipeline, err := combiner.New(combiner.Options{
		Threshold:       w.cfg.CombinerThreshold,
		HotKeyThreshold: w.cfg.HotKeyThreshold,
		BatchSize:       w.cfg.BatchSize,
		NumPartitions:   a.NumReduces,
		Combiner:        comb,
	}, w.logger)
	if err != nil {
		return nil, nil, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data[a.Split.Offset:end]))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lines := 0
	for scanner.Scan() {
		if err := callMapper(mapper, scanner.Text(), pipeline.Add); err != nil {
			return nil, nil, err
		}
		lines++
		if lines%checkEvery == 0 && ctx.Err() != nil {
			return nil, nil, context.Cause(ctx)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to scan split: %w", err)
	}

	parts, decision, err := pipeline.Finish()
	if err != nil {
		return nil, nil, err
	}
	w.logger.Debug("Map finished: task_id=%s lines=%d batches=%d combined=%d hot_keys=%d",
		a.TaskID, lines, decision.BatchesTotal, decision.BatchesCombined, len(decision.HotKeys))

	outputs := make([]string, a.NumReduces)
	for r := range outputs {
		outputs[r] = IntermediatePath(a.Output, a.Index, r, a.Epoch)
	}
	if err := w.writePartitions(ctx, outputs, parts); err != nil {
		return nil, nil, err
	}
	return outputs, &decision, nil
}

type pendingWrite struct {
	path string
	data []byte
}

// writePartitions encodes partitions while a single writer stores them. The
// queue is bounded so at most writeQueue encoded partitions are held at once.
func (w *Worker) writePartitions(ctx context.Context, paths []string, parts [][]types.Record) error {
	queue := make(chan pendingWrite, writeQueue)
	done := make(chan error, 1)

	go func() {
		var firstErr error
		for pw := range queue {
			if firstErr != nil {
				continue
			}
			if err := w.store.Write(pw.path, pw.data); err != nil {
				firstErr = fmt.Errorf("%w: %s: %v", types.ErrStorageWrite, pw.path, err)
			}
		}
		done <- firstErr
	}()

	var encodeErr error
	for r, p := range paths {
		if ctx.Err() != nil {
			encodeErr = context.Cause(ctx)
			break
		}
		data, err := combiner.Encode(parts[r])
		if err != nil {
			encodeErr = err
			break
		}
		queue <- pendingWrite{path: p, data: data}
	}
	close(queue)

	if err := <-done; err != nil {
		return err
	}
	return encodeErr
}

func (w *Worker) runReduce(ctx context.Context, a *types.Assignment) ([]string, error) {
	reducer, err := w.library.Reducer(a.Reducer)
	if err != nil {
		return nil, err
	}

	shuffle := mapreduce.NewShuffle()
	for _, in := range a.Inputs {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		data, err := w.store.Read(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read intermediate %s: %w", in, err)
		}
		records, err := combiner.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt intermediate %s: %w", in, err)
		}
		for _, rec := range records {
			shuffle.Add(rec.Key, rec.Values...)
		}
	}

	lines, err := callReducer(shuffle, reducer)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	for _, l := range lines {
		out.WriteString(l)
		out.WriteByte('\n')
	}
	target := OutputPath(a.Output, a.Index)
	if err := w.store.Write(target, []byte(out.String())); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrStorageWrite, target, err)
	}
	w.logger.Debug("Reduce finished: task_id=%s inputs=%d keys=%d", a.TaskID, len(a.Inputs), shuffle.Len())
	return []string{target}, nil
}

func callMapper(m mapreduce.Mapper, record string, emit func(key, value string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: mapper panicked: %v", types.ErrUserFunction, r)
		}
	}()
	if err := m.Map(record, emit); err != nil {
		if errors.Is(err, types.ErrUserFunction) {
			return err
		}
		return fmt.Errorf("%w: %v", types.ErrUserFunction, err)
	}
	return nil
}

func callReducer(shuffle *mapreduce.Shuffle, r mapreduce.Reducer) (lines []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: reducer panicked: %v", types.ErrUserFunction, rec)
		}
	}()
	lines, err = mapreduce.ReduceShard(shuffle, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUserFunction, err)
	}
	return lines, nil
}
