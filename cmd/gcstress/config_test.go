package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gcstress.yaml")
	data := `
max-total-memory: 512MB
collect-interval: 8MB
markers: 4
scenarios:
  - name: churn
    ops:
      - "churn 1000 64"
      - "collect auto"
  - name: keepers
    ops:
      - "keep 100 32"
      - "collect full"
      - stats
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	maxMem, err := cfg.maxTotalMemory()
	if err != nil {
		t.Fatal(err)
	}
	if maxMem != 512<<20 {
		t.Fatalf("max-total-memory = %d, want %d", maxMem, 512<<20)
	}
	interval, err := cfg.collectInterval()
	if err != nil {
		t.Fatal(err)
	}
	if interval != 8<<20 {
		t.Fatalf("collect-interval = %d, want %d", interval, 8<<20)
	}
	if cfg.Markers != 4 {
		t.Fatalf("markers = %d, want 4", cfg.Markers)
	}
	if len(cfg.Scenarios) != 2 {
		t.Fatalf("scenarios = %d, want 2", len(cfg.Scenarios))
	}
}

func TestScenarioParse(t *testing.T) {
	sc := Scenario{
		Name: "mixed",
		Ops:  []string{`churn 10 64`, `collect full`, ``, `keep 1 "32"`},
	}
	ops, err := sc.parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("parsed %d ops, want 3", len(ops))
	}
	if ops[2].words[2] != "32" {
		t.Fatalf("quoted word = %q, want 32", ops[2].words[2])
	}
}

func TestParseSizeEmpty(t *testing.T) {
	n, err := parseSize("")
	if err != nil || n != 0 {
		t.Fatalf("parseSize(\"\") = %d, %v", n, err)
	}
	if _, err := parseSize("not-a-size"); err == nil {
		t.Fatal("bad size parsed without error")
	}
}
