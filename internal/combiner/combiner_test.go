package combiner

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"CombineMR/internal/mapreduce"
	"CombineMR/internal/types"
)

var sumCombiner = mapreduce.AsCombiner(mapreduce.Sum)

func records(pairs ...string) []types.Record {
	var out []types.Record
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.Record{Key: pairs[i], Values: []string{pairs[i+1]}})
	}
	return out
}

// skewed produces n pairs where "hot" makes up roughly half of the keys.
func skewed(n int, seed int64) []types.Record {
	rng := rand.New(rand.NewSource(seed))
	var out []types.Record
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("cold-%d", rng.Intn(n))
		if i%2 == 0 {
			key = "hot"
		} else if i%5 == 0 {
			key = "warm"
		}
		out = append(out, types.Record{Key: key, Values: []string{fmt.Sprint(rng.Intn(9) + 1)}})
	}
	return out
}

func runPipeline(t *testing.T, opts Options, input []types.Record) ([][]types.Record, types.CombinerDecision) {
	t.Helper()
	p, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, r := range input {
		if err := p.Add(r.Key, r.Values[0]); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	parts, decision, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return parts, decision
}

// reduced applies the final reducer to every key the way a reduce task would.
func reduced(t *testing.T, parts [][]types.Record) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, part := range parts {
		shuffle := mapreduce.NewShuffle()
		for _, r := range part {
			shuffle.Add(r.Key, r.Values...)
		}
		for _, k := range shuffle.Keys() {
			v, err := mapreduce.Sum.Reduce(k, shuffle.Values(k))
			if err != nil {
				t.Fatalf("reduce failed: %v", err)
			}
			out[k] = v[0]
		}
	}
	return out
}

func TestBelowThresholdPassesThrough(t *testing.T) {
	input := records("a", "1", "a", "1", "a", "1", "b", "1")
	parts, decision := runPipeline(t, Options{
		Threshold: 4, HotKeyThreshold: 0, BatchSize: 4, NumPartitions: 1, Combiner: sumCombiner,
	}, input)

	if !reflect.DeepEqual(parts[0], input) {
		t.Fatalf("batch at threshold must pass through unmodified: %v", parts[0])
	}
	if decision.BatchesCombined != 0 || decision.BatchesTotal != 1 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestAdaptiveTriggerPerBatch(t *testing.T) {
	// Two full batches of 5 and a trailing batch of 2. Only full batches exceed the threshold.
	input := records("a", "1", "a", "1", "a", "1", "b", "1", "c", "1",
		"a", "1", "a", "1", "a", "1", "b", "1", "c", "1",
		"a", "1", "a", "1")
	parts, decision := runPipeline(t, Options{
		Threshold: 3, HotKeyThreshold: 2, BatchSize: 5, NumPartitions: 1, Combiner: sumCombiner,
	}, input)

	if decision.BatchesTotal != 3 || decision.BatchesCombined != 2 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if !reflect.DeepEqual(decision.HotKeys, []string{"a"}) {
		t.Fatalf("unexpected hot keys: %v", decision.HotKeys)
	}

	// Combined "a" records from both batches merge into one; the trailing raw "a" pairs stay raw.
	var combinedA, rawA int
	for _, r := range parts[0] {
		if r.Key == "a" && r.Combined {
			combinedA++
			if !reflect.DeepEqual(r.Values, []string{"6"}) {
				t.Fatalf("merged hot record has values %v", r.Values)
			}
		} else if r.Key == "a" {
			rawA++
		}
	}
	if combinedA != 1 || rawA != 2 {
		t.Fatalf("combined=%d raw=%d records for a: %v", combinedA, rawA, parts[0])
	}

	if got := reduced(t, parts); got["a"] != "8" || got["b"] != "2" || got["c"] != "2" {
		t.Fatalf("reduced output changed: %v", got)
	}
}

// Cold keys must reach the reducer with the same values in the same count.
func TestColdKeysUntouched(t *testing.T) {
	input := skewed(500, 1)
	parts, decision := runPipeline(t, Options{
		Threshold: 0, HotKeyThreshold: 10, BatchSize: 100, NumPartitions: 3, Combiner: sumCombiner,
	}, input)

	hot := make(map[string]bool)
	for _, k := range decision.HotKeys {
		hot[k] = true
	}
	if !hot["hot"] {
		t.Fatalf("expected hot to be hot, got %v", decision.HotKeys)
	}

	want := make(map[string][]string)
	for _, r := range input {
		if !hot[r.Key] {
			want[r.Key] = append(want[r.Key], r.Values...)
		}
	}
	got := make(map[string][]string)
	for _, part := range parts {
		for _, r := range part {
			if hot[r.Key] {
				continue
			}
			if r.Combined || len(r.Values) != 1 {
				t.Fatalf("cold record altered: %+v", r)
			}
			got[r.Key] = append(got[r.Key], r.Values...)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cold key contributions differ")
	}
}

func TestNeutralityAlwaysVersusNever(t *testing.T) {
	input := skewed(2000, 7)

	always, _ := runPipeline(t, Options{
		Threshold: 0, HotKeyThreshold: 3, BatchSize: 128, NumPartitions: 4, Combiner: sumCombiner,
	}, input)
	never, decision := runPipeline(t, Options{
		Threshold: math.MaxInt, HotKeyThreshold: 3, BatchSize: 128, NumPartitions: 4, Combiner: sumCombiner,
	}, input)

	if decision.BatchesCombined != 0 {
		t.Fatalf("disabled threshold still combined: %+v", decision)
	}
	if len(never[0])+len(never[1])+len(never[2])+len(never[3]) != len(input) {
		t.Fatalf("uncombined pipeline lost records")
	}
	if a, n := reduced(t, always), reduced(t, never); !reflect.DeepEqual(a, n) {
		t.Fatalf("reducer output differs with combining enabled")
	}
}

// Without a combiner hot values are concatenated, so reducer inputs are equal as multisets.
func TestNeutralityWithoutCombiner(t *testing.T) {
	input := skewed(300, 3)
	parts, _ := runPipeline(t, Options{
		Threshold: 0, HotKeyThreshold: 2, BatchSize: 50, NumPartitions: 2,
	}, input)

	inputs := func(rs [][]types.Record) map[string][]string {
		m := make(map[string][]string)
		for _, part := range rs {
			for _, r := range part {
				m[r.Key] = append(m[r.Key], r.Values...)
			}
		}
		for k := range m {
			sort.Strings(m[k])
		}
		return m
	}
	if !reflect.DeepEqual(inputs(parts), inputs([][]types.Record{input})) {
		t.Fatalf("reducer inputs changed without a combiner")
	}
}

func TestCombineRecordsIdempotent(t *testing.T) {
	batch := skewed(400, 11)

	once, _, err := CombineRecords(batch, 5, sumCombiner)
	if err != nil {
		t.Fatalf("CombineRecords failed: %v", err)
	}
	twice, _, err := CombineRecords(once, 5, sumCombiner)
	if err != nil {
		t.Fatalf("CombineRecords failed: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("combining twice changed the record set")
	}
}

func TestHotKeyPlacedAtFirstOccurrence(t *testing.T) {
	out, hot, err := CombineRecords(records("x", "1", "h", "2", "y", "1", "h", "3", "h", "4"), 2, sumCombiner)
	if err != nil {
		t.Fatalf("CombineRecords failed: %v", err)
	}
	if !reflect.DeepEqual(hot, []string{"h"}) {
		t.Fatalf("hot keys = %v", hot)
	}
	want := []types.Record{
		{Key: "x", Values: []string{"1"}},
		{Key: "h", Values: []string{"9"}, Combined: true},
		{Key: "y", Values: []string{"1"}},
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestCombinerErrorsSurface(t *testing.T) {
	bad := mapreduce.CombinerFunc(func(key string, values []string) ([]string, error) {
		return nil, errors.New("boom")
	})
	_, _, err := CombineRecords(records("k", "1", "k", "1"), 1, bad)
	if !errors.Is(err, types.ErrUserFunction) {
		t.Fatalf("expected ErrUserFunction, got %v", err)
	}

	panicky := mapreduce.CombinerFunc(func(key string, values []string) ([]string, error) {
		panic("combiner exploded")
	})
	p, _ := New(Options{Threshold: 0, HotKeyThreshold: 0, BatchSize: 2, NumPartitions: 1, Combiner: panicky}, nil)
	p.Add("k", "1")
	if err := p.Add("k", "1"); !errors.Is(err, types.ErrUserFunction) {
		t.Fatalf("expected ErrUserFunction from panic, got %v", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	bad := []Options{
		{BatchSize: 0, NumPartitions: 1},
		{BatchSize: 1, NumPartitions: 0},
		{BatchSize: 1, NumPartitions: 1, Threshold: -1},
	}
	for _, o := range bad {
		if _, err := New(o, nil); err == nil {
			t.Fatalf("expected error for %+v", o)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	parts, decision := runPipeline(t, Options{Threshold: 0, BatchSize: 10, NumPartitions: 2}, nil)
	if len(parts) != 2 || len(parts[0]) != 0 || len(parts[1]) != 0 {
		t.Fatalf("expected two empty partitions, got %v", parts)
	}
	if decision.BatchesTotal != 0 {
		t.Fatalf("no batches expected, got %+v", decision)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := []types.Record{
		{Key: "a <b>", Values: []string{"1", "2"}},
		{Key: "", Values: nil},
		{Key: "line\nbreak", Values: []string{"\"quoted\""}, Combined: true},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 3 || out[0].Key != "a <b>" || len(out[1].Values) != 0 || out[2].Values[0] != "\"quoted\"" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out[2].Combined {
		t.Fatalf("combined flag must not be serialized")
	}

	if _, err := Decode([]byte("{\"key\":\n")); err == nil {
		t.Fatalf("expected error for malformed record")
	}
}
