package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/shardmesh/internal/tools"
	"github.com/spf13/pflag"
)

// testctl runs or lists the module's tests grouped by mesh tier.
type options struct {
	mode  string
	pkg   string
	run   string
	tiers []string
	race  bool
	short bool
}

type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

type tierStats struct {
	packages int
	failed   int
	pass     int
	fail     int
	skip     int
}

// tierOrder is the display order; tierOf maps packages onto it.
var tierOrder = []string{"bus", "world", "services", "ambient", "cmd", "other"}

func tierOf(rel string) string {
	parts := strings.Split(rel, "/")
	if parts[0] == "cmd" {
		return "cmd"
	}
	if parts[0] != "internal" || len(parts) < 2 {
		return "other"
	}
	switch parts[1] {
	case "protocol", "busclient", "director":
		return "bus"
	case "dclass", "stateserver", "shard":
		return "world"
	case "database", "gateway":
		return "services"
	case "config", "logging", "observability", "codec", "auth", "tools", "testutil":
		return "ambient"
	}
	return "other"
}

func main() {
	opts := parseFlags()
	runner := tools.ExecRunner{}
	ctx := context.Background()
	var err error
	exitCode := 0
	switch opts.mode {
	case "list":
		err = runList(ctx, runner, opts)
	case "run":
		exitCode, err = runTests(ctx, runner, opts)
	default:
		err = fmt.Errorf("unknown mode %q (supported: run, list)", opts.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "testctl: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func parseFlags() options {
	var opts options
	pflag.StringVar(&opts.mode, "mode", "run", "mode: run | list")
	pflag.StringVar(&opts.pkg, "pkg", "./...", "package pattern(s), comma or space separated")
	pflag.StringVar(&opts.run, "run", "", "go test -run regex (run mode)")
	pflag.StringSliceVar(&opts.tiers, "tier", nil, "limit to tiers: "+strings.Join(tierOrder, ","))
	pflag.BoolVar(&opts.race, "race", false, "enable the race detector")
	pflag.BoolVar(&opts.short, "short", false, "pass -short to go test")
	pflag.Parse()
	return opts
}

// packages resolves the patterns and drops anything outside the chosen tiers.
func packages(ctx context.Context, runner tools.CommandRunner, opts options) (string, []string, error) {
	mod, err := runner.Run(ctx, "go", "list", "-m", "-f", "{{.Path}}")
	if err != nil {
		return "", nil, fmt.Errorf("go list -m: %w: %s", err, strings.TrimSpace(string(mod.Stderr)))
	}
	modulePath := strings.TrimSpace(string(mod.Stdout))
	res, err := runner.Run(ctx, "go", append([]string{"list"}, parsePatterns(opts.pkg)...)...)
	if err != nil {
		return "", nil, fmt.Errorf("go list: %w: %s", err, strings.TrimSpace(string(res.Stderr)))
	}
	return modulePath, filterTiers(modulePath, strings.Fields(string(res.Stdout)), opts.tiers), nil
}

func filterTiers(modulePath string, pkgs, tiers []string) []string {
	out := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		if len(tiers) == 0 || slices.Contains(tiers, tierOf(relImportPath(modulePath, pkg))) {
			out = append(out, pkg)
		}
	}
	slices.Sort(out)
	return out
}

func runList(ctx context.Context, runner tools.CommandRunner, opts options) error {
	modulePath, pkgs, err := packages(ctx, runner, opts)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		fmt.Println("No packages matched.")
		return nil
	}
	byTier := make(map[string][]string)
	for _, pkg := range pkgs {
		rel := relImportPath(modulePath, pkg)
		byTier[tierOf(rel)] = append(byTier[tierOf(rel)], pkg)
	}
	total := 0
	for _, tier := range tierOrder {
		if len(byTier[tier]) == 0 {
			continue
		}
		fmt.Printf("Tier: %s\n", tier)
		for _, pkg := range byTier[tier] {
			res, err := runner.Run(ctx, "go", "test", pkg, "-list", ".")
			if err != nil {
				return fmt.Errorf("go test -list %s: %w: %s", pkg, err, strings.TrimSpace(string(res.Stdout)))
			}
			tests := testNames(string(res.Stdout))
			total += len(tests)
			fmt.Printf("  %s [tests=%d]\n", relImportPath(modulePath, pkg), len(tests))
			for _, name := range tests {
				fmt.Printf("    - %s\n", name)
			}
		}
	}
	fmt.Printf("\nPackages: %d  Tests: %d\n", len(pkgs), total)
	return nil
}

func testNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"Test", "Benchmark", "Fuzz", "Example"} {
			if strings.HasPrefix(line, prefix) && !strings.ContainsAny(line, " \t") {
				names = append(names, line)
				break
			}
		}
	}
	slices.Sort(names)
	return names
}

func runTests(ctx context.Context, runner tools.CommandRunner, opts options) (int, error) {
	modulePath, pkgs, err := packages(ctx, runner, opts)
	if err != nil {
		return 1, err
	}
	if len(pkgs) == 0 {
		fmt.Println("No packages matched.")
		return 0, nil
	}
	args := []string{"test", "-json"}
	if opts.race {
		args = append(args, "-race")
	}
	if opts.short {
		args = append(args, "-short")
	}
	if strings.TrimSpace(opts.run) != "" {
		args = append(args, "-run", opts.run)
	}
	args = append(args, pkgs...)

	// go test -json is streamed, so it bypasses the buffering runner.
	cmd := exec.CommandContext(ctx, "go", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, err
	}
	cmd.Stderr = os.Stderr
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 1, err
	}
	stats, failures, streamErr := streamEvents(modulePath, stdout, os.Stdout)
	waitErr := cmd.Wait()
	if streamErr != nil {
		return 1, streamErr
	}
	printSummary(os.Stdout, stats, failures, time.Since(start))

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return 1, waitErr
	}
	return 0, nil
}

// streamEvents echoes test progress and tallies results per tier.
func streamEvents(modulePath string, r io.Reader, w io.Writer) (map[string]*tierStats, []string, error) {
	stats := make(map[string]*tierStats)
	var failures []string
	current := ""
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var ev testEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				fmt.Fprintf(w, "raw> %s\n", line)
			}
			continue
		}
		if ev.Package == "" {
			continue
		}
		rel := relImportPath(modulePath, ev.Package)
		ts := stats[tierOf(rel)]
		if ts == nil {
			ts = &tierStats{}
			stats[tierOf(rel)] = ts
		}
		if ev.Package != current {
			current = ev.Package
			fmt.Fprintf(w, "\n%s (%s)\n", rel, tierOf(rel))
		}
		switch {
		case ev.Test == "" && (ev.Action == "pass" || ev.Action == "fail"):
			ts.packages++
			if ev.Action == "fail" {
				ts.failed++
			}
			fmt.Fprintf(w, "[%s] package (%.2fs)\n", strings.ToUpper(ev.Action), ev.Elapsed)
		case ev.Action == "pass":
			ts.pass++
			fmt.Fprintf(w, "  [PASS] %s (%.2fs)\n", ev.Test, ev.Elapsed)
		case ev.Action == "fail":
			ts.fail++
			failures = append(failures, rel+":"+ev.Test)
			fmt.Fprintf(w, "  [FAIL] %s (%.2fs)\n", ev.Test, ev.Elapsed)
		case ev.Action == "skip" && ev.Test != "":
			ts.skip++
			fmt.Fprintf(w, "  [SKIP] %s\n", ev.Test)
		case ev.Action == "output" && ev.Test != "":
			if line := strings.TrimSpace(ev.Output); line != "" && !isBoundary(line) {
				fmt.Fprintf(w, "    | %s\n", line)
			}
		}
	}
	return stats, failures, sc.Err()
}

func isBoundary(line string) bool {
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "--- PASS:", "--- FAIL:", "--- SKIP:"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func printSummary(w io.Writer, stats map[string]*tierStats, failures []string, elapsed time.Duration) {
	fmt.Fprintln(w, "\nSummary")
	for _, tier := range tierOrder {
		ts := stats[tier]
		if ts == nil {
			continue
		}
		fmt.Fprintf(w, "  %-9s packages=%d failed=%d tests pass=%d fail=%d skip=%d\n",
			tier, ts.packages, ts.failed, ts.pass, ts.fail, ts.skip)
	}
	fmt.Fprintf(w, "  Duration: %s\n", elapsed.Round(time.Millisecond))
	if len(failures) > 0 {
		fmt.Fprintln(w, "  Failed Tests:")
		for _, name := range failures {
			fmt.Fprintf(w, "    - %s\n", name)
		}
	}
}

func parsePatterns(raw string) []string {
	out := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(out) == 0 {
		return []string{"./..."}
	}
	return out
}

func relImportPath(modulePath, importPath string) string {
	if importPath == modulePath {
		return "."
	}
	return strings.TrimPrefix(importPath, modulePath+"/")
}
