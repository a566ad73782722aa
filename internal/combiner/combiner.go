// Package combiner compacts mapper output before it is shuffled to reducers.
//
// Mapper output is consumed in batches of BatchSize pairs. A batch larger than
// Threshold is combined: keys seen more than HotKeyThreshold times in the batch
// are folded into one record through the job's combiner, every other pair
// passes through untouched. When the map task ends, the combined records of
// each partition are merged once more so a hot key spanning several batches
// leaves one record per partition. None of this is visible to the reducer for
// an associative and commutative combiner.
package combiner

import (
	"fmt"
	"sort"

	"CombineMR/internal/logger"
	"CombineMR/internal/mapreduce"
	"CombineMR/internal/types"
)

// Options configures one pipeline
type Options struct {
	Threshold       int
	HotKeyThreshold int
	BatchSize       int
	NumPartitions   int
	// Combiner may be nil, in which case hot values are only concatenated
	Combiner mapreduce.Combiner
}

// Pipeline is owned by a single map task and is not safe for concurrent use.
type Pipeline struct {
	opts     Options
	batch    []types.Record
	parts    [][]types.Record
	hotKeys  map[string]struct{}
	decision types.CombinerDecision
	logger   *logger.Logger
}

// New validates opts and creates an empty pipeline
func New(opts Options, lg *logger.Logger) (*Pipeline, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.NumPartitions < 1 {
		return nil, fmt.Errorf("partition count must be >= 1, got %d", opts.NumPartitions)
	}
	if opts.Threshold < 0 || opts.HotKeyThreshold < 0 {
		return nil, fmt.Errorf("thresholds cannot be negative")
	}
	if lg == nil {
		lg = logger.New("INFO")
	}

	return &Pipeline{
		opts:     opts,
		batch:    make([]types.Record, 0, min(opts.BatchSize, 4096)),
		parts:    make([][]types.Record, opts.NumPartitions),
		hotKeys:  make(map[string]struct{}),
		decision: types.CombinerDecision{ThresholdUsed: opts.Threshold},
		logger:   lg,
	}, nil
}

// Add feeds one mapper pair; a full batch is processed before Add returns
func (p *Pipeline) Add(key, value string) error {
	p.batch = append(p.batch, types.Record{Key: key, Values: []string{value}})
	if len(p.batch) >= p.opts.BatchSize {
		return p.flush()
	}
	return nil
}

func (p *Pipeline) flush() error {
	if len(p.batch) == 0 {
		return nil
	}
	batch := p.batch
	defer func() { p.batch = batch[:0] }()
	p.decision.BatchesTotal++

	if len(batch) <= p.opts.Threshold {
		p.logger.Debug("Batch passed through: batch=%d records=%d threshold=%d",
			p.decision.BatchesTotal, len(batch), p.opts.Threshold)
		p.route(batch)
		return nil
	}

	combined, hot, err := CombineRecords(batch, p.opts.HotKeyThreshold, p.opts.Combiner)
	if err != nil {
		return err
	}
	p.decision.BatchesCombined++
	for _, k := range hot {
		p.hotKeys[k] = struct{}{}
	}
	p.logger.Debug("Batch combined: batch=%d records_in=%d records_out=%d hot_keys=%d",
		p.decision.BatchesTotal, len(batch), len(combined), len(hot))
	p.route(combined)
	return nil
}

func (p *Pipeline) route(records []types.Record) {
	for _, r := range records {
		idx := mapreduce.Partition(r.Key, p.opts.NumPartitions)
		p.parts[idx] = append(p.parts[idx], r)
	}
}

// Finish processes the trailing partial batch, runs the per-partition merge of
// combined records and returns one ordered record sequence per partition.
func (p *Pipeline) Finish() ([][]types.Record, types.CombinerDecision, error) {
	if err := p.flush(); err != nil {
		return nil, p.decision, err
	}

	if p.decision.BatchesCombined > 0 {
		for i, part := range p.parts {
			merged, err := MergeCombined(part, p.opts.Combiner)
			if err != nil {
				return nil, p.decision, err
			}
			p.parts[i] = merged
		}
	}

	p.decision.HotKeys = make([]string, 0, len(p.hotKeys))
	for k := range p.hotKeys {
		p.decision.HotKeys = append(p.decision.HotKeys, k)
	}
	sort.Strings(p.decision.HotKeys)

	return p.parts, p.decision, nil
}

// CombineRecords folds every key occurring more than hotThreshold times into a
// single record placed where the key first appeared. Other records are returned
// as they came. The sorted hot keys are returned alongside.
func CombineRecords(records []types.Record, hotThreshold int, c mapreduce.Combiner) ([]types.Record, []string, error) {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Key]++
	}

	grouped := make(map[string][]string)
	for _, r := range records {
		if counts[r.Key] > hotThreshold {
			grouped[r.Key] = append(grouped[r.Key], r.Values...)
		}
	}
	if len(grouped) == 0 {
		return records, nil, nil
	}

	out := make([]types.Record, 0, len(records))
	emitted := make(map[string]bool, len(grouped))
	for _, r := range records {
		values, hot := grouped[r.Key]
		if !hot {
			out = append(out, r)
			continue
		}
		if emitted[r.Key] {
			continue
		}
		emitted[r.Key] = true

		folded, err := apply(c, r.Key, values)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, types.Record{Key: r.Key, Values: folded, Combined: true})
	}

	hot := make([]string, 0, len(grouped))
	for k := range grouped {
		hot = append(hot, k)
	}
	sort.Strings(hot)
	return out, hot, nil
}

// MergeCombined collapses the combined records of one partition to one record
// per key. Records that were never combined keep their place and content.
func MergeCombined(records []types.Record, c mapreduce.Combiner) ([]types.Record, error) {
	repeated := make(map[string]int)
	for _, r := range records {
		if r.Combined {
			repeated[r.Key]++
		}
	}

	out := make([]types.Record, 0, len(records))
	first := make(map[string]int)
	for _, r := range records {
		if !r.Combined || repeated[r.Key] < 2 {
			out = append(out, r)
			continue
		}
		if at, ok := first[r.Key]; ok {
			out[at].Values = append(out[at].Values, r.Values...)
			continue
		}
		first[r.Key] = len(out)
		out = append(out, types.Record{Key: r.Key, Values: append([]string(nil), r.Values...), Combined: true})
	}

	for key, at := range first {
		folded, err := apply(c, key, out[at].Values)
		if err != nil {
			return nil, err
		}
		out[at].Values = folded
	}
	return out, nil
}

func apply(c mapreduce.Combiner, key string, values []string) (folded []string, err error) {
	if c == nil {
		return values, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: combiner panicked on key %q: %v", types.ErrUserFunction, key, r)
		}
	}()
	folded, err = c.Combine(key, values)
	if err != nil {
		return nil, fmt.Errorf("%w: combiner failed on key %q: %v", types.ErrUserFunction, key, err)
	}
	return folded, nil
}
