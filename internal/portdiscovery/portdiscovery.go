// Package portdiscovery integrates with monorepo task runners: run a task
// runner in dry-run mode, locate the JSON payload in its (often
// non-JSON) stdout, and classify each task's command string into the
// port it will bind.
package portdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// task is one entry of the task runner's dry-run JSON payload; every field
// besides Command is ignored.
type task struct {
	Command string `json:"command"`
}

type dryRunOutput struct {
	Tasks []task `json:"tasks"`
}

// Discover runs runner with args (expected to produce a dry-run JSON
// report on stdout or stderr) and returns the ports its tasks will bind,
// deduplicated (first-seen wins) and sorted ascending.
func Discover(ctx context.Context, runner string, args ...string) ([]int, error) {
	cmd := exec.CommandContext(ctx, runner, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("running task runner %s: %w", runner, err)
	}
	return ParseOutput(string(out))
}

// ParseOutput extracts and classifies ports from raw task-runner output.
// Exported separately from Discover so tests can feed canned output
// without invoking a real subprocess.
func ParseOutput(output string) ([]int, error) {
	payload, err := extractJSON(output)
	if err != nil {
		return nil, err
	}

	var doc dryRunOutput
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("parsing task runner JSON: %w", err)
	}

	seen := make(map[int]bool)
	var ports []int
	for _, t := range doc.Tasks {
		for _, p := range classify(t.Command) {
			if p < 1 || p > 65535 || seen[p] {
				continue
			}
			seen[p] = true
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// extractJSON locates the substring between the first '{' and the last
// '}' in output, tolerating a task runner that interleaves log lines with
// its JSON report.
func extractJSON(output string) (string, error) {
	start := strings.IndexByte(output, '{')
	end := strings.LastIndexByte(output, '}')
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in task runner output")
	}
	return output[start : end+1], nil
}

// explicitPortPatterns match an explicit port declaration in a command
// string; all matches across all patterns are returned, in pattern order.
var explicitPortPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|\s)PORT=(\d+)`),
	regexp.MustCompile(`--port[=\s]+(\d+)`),
	regexp.MustCompile(`(?:^|\s)-p\s?(\d+)\b`),
	regexp.MustCompile(`--listen\s+(?:[\w.-]+:)?(\d+)`),
	regexp.MustCompile(`https?://[^\s/]+?:(\d+)`),
}

// leadingProcessPorts classify a command by its leading process name when
// no explicit port declaration is present.
var leadingProcessPorts = []struct {
	re   *regexp.Regexp
	port int
}{
	{regexp.MustCompile(`^(?:next|nuxt|remix)\s+dev\b`), 3000},
	{regexp.MustCompile(`^astro\s+dev\b`), 4321},
	{regexp.MustCompile(`^wrangler\s+dev\b`), 8787},
	{regexp.MustCompile(`^(?:storybook\s+dev|start-storybook)\b`), 6006},
	{regexp.MustCompile(`^vite\b`), 5173},
}

func classify(command string) []int {
	command = strings.TrimSpace(command)
	if explicit := explicitPorts(command); len(explicit) > 0 {
		return explicit
	}
	for _, lp := range leadingProcessPorts {
		if lp.re.MatchString(command) {
			return []int{lp.port}
		}
	}
	return nil
}

func explicitPorts(command string) []int {
	var ports []int
	for _, re := range explicitPortPatterns {
		for _, m := range re.FindAllStringSubmatch(command, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				ports = append(ports, n)
			}
		}
	}
	return ports
}
