package main

import (
	"fmt"
	"os"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Config is the YAML stress configuration. Byte quantities accept
// human-friendly forms ("512MB", "8 MiB").
type Config struct {
	MaxTotalMemory  string     `yaml:"max-total-memory"`
	CollectInterval string     `yaml:"collect-interval"`
	Markers         int        `yaml:"markers"`
	TraceFile       string     `yaml:"trace-file"`
	Scenarios       []Scenario `yaml:"scenarios"`
}

// Scenario is a named list of operations, each a shell-like word list:
//
//	churn <count> <size>     allocate and immediately drop
//	keep <count> <size>      allocate and hold as roots
//	big <count> <size>       big-object allocations, held
//	list <count>             build a linked list of pairs, held
//	weakref <count> <size>   weak references to droppable objects
//	finalize <count> <size>  register raw finalizers on droppable objects
//	drop                     forget all held roots
//	collect auto|full        explicit collection
//	stats                    print a stats snapshot
type Scenario struct {
	Name string   `yaml:"name"`
	Ops  []string `yaml:"ops"`
}

type op struct {
	words []string
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) maxTotalMemory() (uint64, error) {
	return parseSize(c.MaxTotalMemory)
}

func (c *Config) collectInterval() (uint64, error) {
	return parseSize(c.CollectInterval)
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	bs, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return uint64(bs), nil
}

func formatSize(n int64) string {
	return bytesize.New(float64(n)).String()
}

func (s *Scenario) parse() ([]op, error) {
	ops := make([]op, 0, len(s.Ops))
	for _, raw := range s.Ops {
		words, err := shlex.Split(raw)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %q: %w", s.Name, raw, err)
		}
		if len(words) == 0 {
			continue
		}
		ops = append(ops, op{words: words})
	}
	return ops, nil
}
