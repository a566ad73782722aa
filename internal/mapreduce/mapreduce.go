package mapreduce

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Mapper turns one input record into a stream of key/value pairs.
// Pairs are pushed through emit as they are produced; an emit error must be returned.
type Mapper interface {
	Map(record string, emit func(key, value string) error) error
}

// Reducer folds every value of a key into output values.
type Reducer interface {
	Reduce(key string, values []string) ([]string, error)
}

// Combiner is a partial reduction. It must be associative and commutative
// over groupings of values so that applying it any number of times is invisible to the reducer.
type Combiner interface {
	Combine(key string, values []string) ([]string, error)
}

type MapperFunc func(record string, emit func(key, value string) error) error

func (f MapperFunc) Map(record string, emit func(key, value string) error) error {
	return f(record, emit)
}

type ReducerFunc func(key string, values []string) ([]string, error)

func (f ReducerFunc) Reduce(key string, values []string) ([]string, error) {
	return f(key, values)
}

type CombinerFunc func(key string, values []string) ([]string, error)

func (f CombinerFunc) Combine(key string, values []string) ([]string, error) {
	return f(key, values)
}

// Partition routes a key to a reduce task. It depends only on the key so retried
// map tasks partition identically.
func Partition(key string, numReduces int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % numReduces
}

// WordCount emits (word, "1") for every run of letters or digits.
var WordCount = MapperFunc(func(record string, emit func(key, value string) error) error {
	words := strings.FieldsFunc(record, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if err := emit(w, "1"); err != nil {
			return err
		}
	}
	return nil
})

func sumValues(key string, values []string) ([]string, error) {
	var total int64
	for _, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q: value %q is not an integer", key, v)
		}
		total += n
	}
	return []string{strconv.FormatInt(total, 10)}, nil
}

func maxValues(key string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var best int64
	for i, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q: value %q is not an integer", key, v)
		}
		if i == 0 || n > best {
			best = n
		}
	}
	return []string{strconv.FormatInt(best, 10)}, nil
}

// Sum is both a reducer and a combiner
var Sum = ReducerFunc(sumValues)

// Max is both a reducer and a combiner
var Max = ReducerFunc(maxValues)

// AsCombiner reuses a reducer whose rule is associative and commutative as a combiner
func AsCombiner(r Reducer) Combiner {
	return CombinerFunc(r.Reduce)
}

// Shuffle groups values by key. Values of one key keep the order they were added in.
type Shuffle struct {
	grouped map[string][]string
}

func NewShuffle() *Shuffle {
	return &Shuffle{grouped: make(map[string][]string)}
}

func (s *Shuffle) Add(key string, values ...string) {
	s.grouped[key] = append(s.grouped[key], values...)
}

// Keys returns the grouped keys in ascending order
func (s *Shuffle) Keys() []string {
	keys := make([]string, 0, len(s.grouped))
	for k := range s.grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Shuffle) Values(key string) []string {
	return s.grouped[key]
}

func (s *Shuffle) Len() int {
	return len(s.grouped)
}
