package main

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

const mod = "github.com/danmuck/shardmesh"

func TestTierOf(t *testing.T) {
	cases := map[string]string{
		"internal/protocol/frame":   "bus",
		"internal/director":         "bus",
		"internal/shard":            "world",
		"internal/dclass":           "world",
		"internal/gateway":          "services",
		"internal/config":           "ambient",
		"internal/testutil/tlstest": "ambient",
		"cmd/meshctl":               "cmd",
		".":                         "other",
	}
	for rel, want := range cases {
		if got := tierOf(rel); got != want {
			t.Fatalf("tierOf(%q) = %q, want %q", rel, got, want)
		}
	}
}

func TestFilterTiers(t *testing.T) {
	pkgs := []string{mod + "/internal/shard", mod + "/cmd/meshctl", mod + "/internal/director"}
	got := filterTiers(mod, pkgs, []string{"bus", "world"})
	want := []string{mod + "/internal/director", mod + "/internal/shard"}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected filter: %v", got)
	}
	if got := filterTiers(mod, pkgs, nil); len(got) != 3 {
		t.Fatalf("expected all packages without tiers: %v", got)
	}
}

func TestParsePatterns(t *testing.T) {
	if got := parsePatterns(" ./internal/..., ./cmd/... "); !slices.Equal(got, []string{"./internal/...", "./cmd/..."}) {
		t.Fatalf("unexpected patterns: %v", got)
	}
	if got := parsePatterns(""); !slices.Equal(got, []string{"./..."}) {
		t.Fatalf("unexpected default: %v", got)
	}
}

func TestTestNames(t *testing.T) {
	out := "TestB\nTestA\nExampleX\nok  \tgithub.com/x\t0.01s\n"
	if got := testNames(out); !slices.Equal(got, []string{"ExampleX", "TestA", "TestB"}) {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestStreamEventsTalliesByTier(t *testing.T) {
	events := strings.Join([]string{
		`{"Action":"run","Package":"` + mod + `/internal/shard","Test":"TestA"}`,
		`{"Action":"output","Package":"` + mod + `/internal/shard","Test":"TestA","Output":"hello\n"}`,
		`{"Action":"pass","Package":"` + mod + `/internal/shard","Test":"TestA","Elapsed":0.1}`,
		`{"Action":"fail","Package":"` + mod + `/internal/shard","Test":"TestB","Elapsed":0.1}`,
		`{"Action":"fail","Package":"` + mod + `/internal/shard","Elapsed":0.3}`,
		`{"Action":"skip","Package":"` + mod + `/internal/director","Test":"TestC"}`,
		`{"Action":"pass","Package":"` + mod + `/internal/director","Elapsed":0.2}`,
		`not json`,
	}, "\n")
	var out bytes.Buffer
	stats, failures, err := streamEvents(mod, strings.NewReader(events), &out)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	world := stats["world"]
	if world == nil || world.pass != 1 || world.fail != 1 || world.failed != 1 || world.packages != 1 {
		t.Fatalf("unexpected world stats: %+v", world)
	}
	bus := stats["bus"]
	if bus == nil || bus.skip != 1 || bus.failed != 0 {
		t.Fatalf("unexpected bus stats: %+v", bus)
	}
	if !slices.Equal(failures, []string{"internal/shard:TestB"}) {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if !strings.Contains(out.String(), "| hello") || !strings.Contains(out.String(), "raw> not json") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
