package grep

import (
	"fmt"
	"regexp"
)

// Grep is a map function emitting every input line that matches a pattern.
// Paired with a summing reducer it yields per-line match counts.
type Grep struct {
	regex *regexp.Regexp
}

// New compiles pattern into a Grep map function.
func New(pattern string) (*Grep, error) {
	if pattern == "" {
		return nil, fmt.Errorf("grep pattern cannot be empty")
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return &Grep{regex: regex}, nil
}

// Map emits (line, "1") when the line matches.
func (g *Grep) Map(record string, emit func(key, value string) error) error {
	if !g.regex.MatchString(record) {
		return nil
	}
	return emit(record, "1")
}
