package mapreduce

import (
	"fmt"
	"strings"
	"sync"

	"CombineMR/internal/grep"
)

// Library resolves the function names carried by a job spec.
// Names of the form "prefix:arg" are built by a registered factory.
type Library struct {
	mu        sync.RWMutex
	mappers   map[string]Mapper
	factories map[string]func(arg string) (Mapper, error)
	reducers  map[string]Reducer
	combiners map[string]Combiner
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{
		mappers:   make(map[string]Mapper),
		factories: make(map[string]func(string) (Mapper, error)),
		reducers:  make(map[string]Reducer),
		combiners: make(map[string]Combiner),
	}
}

// DefaultLibrary holds the built-in applications: wc, grep:<regex>, sum, max.
func DefaultLibrary() *Library {
	lib := NewLibrary()
	lib.RegisterMapper("wc", WordCount)
	lib.RegisterMapperFactory("grep", func(pattern string) (Mapper, error) {
		return grep.New(pattern)
	})
	lib.RegisterReducer("sum", Sum)
	lib.RegisterReducer("max", Max)
	lib.RegisterCombiner("sum", AsCombiner(Sum))
	lib.RegisterCombiner("max", AsCombiner(Max))
	return lib
}

func (l *Library) RegisterMapper(name string, m Mapper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mappers[name] = m
}

func (l *Library) RegisterMapperFactory(prefix string, f func(arg string) (Mapper, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[prefix] = f
}

func (l *Library) RegisterReducer(name string, r Reducer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reducers[name] = r
}

func (l *Library) RegisterCombiner(name string, c Combiner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.combiners[name] = c
}

func (l *Library) Mapper(name string) (Mapper, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.mappers[name]; ok {
		return m, nil
	}
	if prefix, arg, ok := strings.Cut(name, ":"); ok {
		if f, ok := l.factories[prefix]; ok {
			m, err := f(arg)
			if err != nil {
				return nil, fmt.Errorf("mapper %q: %w", name, err)
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown mapper %q", name)
}

func (l *Library) Reducer(name string) (Reducer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.reducers[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("unknown reducer %q", name)
}

// Combiner returns nil without error for an empty name: the job has no combiner.
func (l *Library) Combiner(name string) (Combiner, error) {
	if name == "" {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.combiners[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown combiner %q", name)
}
