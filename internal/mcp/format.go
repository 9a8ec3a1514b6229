package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gateway-fm/poolreplay/internal/runner"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int64:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatPct formats part/total as a percentage string.
func formatPct(part, total float64) string {
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", part/total*100)
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.3fms", v)
}

func formatCounts(counts map[string]any) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatNumber(counts[k])))
	}
	return strings.Join(parts, " ")
}

func formatInspection(info *runner.Inspection) string {
	counts := make(map[string]any, len(info.Counts))
	for k, v := range info.Counts {
		counts[string(k)] = v
	}
	direction := "token1 -> token0"
	if info.FinalSwap.ZeroForOne {
		direction = "token0 -> token1"
	}
	return joinLines(
		section("Recorded History"),
		kv("Events", formatNumber(info.Events)),
		kv("By Kind", formatCounts(counts)),
		kv("Global Index", fmt.Sprintf("%d .. %d", info.FirstIndex, info.FinalIndex)),
		kv("Blocks", fmt.Sprintf("%d .. %d", info.FirstBlock, info.FinalBlock)),
		kv("Init sqrtPriceX96", info.InitSqrtPriceX96),
		kv("Fee", info.Fee),
		"",
		section("Final Swap (synthesis reference)"),
		kv("Direction", direction),
		kv("Amount In", info.FinalSwap.AmountIn),
		kv("Amount Out", info.FinalSwap.AmountOut),
		kv("sqrtPriceX96", info.FinalSwap.SqrtPriceX96),
		kv("Liquidity", info.FinalSwap.Liquidity),
	)
}

func formatBatch(info *runner.BatchInfo) string {
	forward := "oneForZero"
	if info.ZeroForOne {
		forward = "zeroForOne"
	}
	return joinLines(
		section("Null Block"),
		kv("Pairs", formatNumber(info.Pairs)),
		kv("Calls", formatNumber(info.Calls)),
		kv("Forward Leg", forward),
		kv("Forward Limit", info.ForwardLimit),
		kv("Back Limit", info.BackLimit),
		kv("Multicall Bytes", formatNumber(info.PayloadBytes)),
	)
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("poolreplay Status"),
		kv("State", getStr(m, "state")),
		kv("Stage", getStr(m, "stage")),
		kv("Run ID", getStr(m, "runId")),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedSeconds"))),
		kv("Error", getStr(m, "error")),
	)

	if heads, ok := m["heads"].(map[string]any); ok && getNum(heads, "blocks") > 0 {
		lines += "\n\n" + joinLines(
			section("Observed Blocks"),
			kv("Blocks", formatNumber(getNum(heads, "blocks"))),
			kv("Range", fmt.Sprintf("%d .. %d", int64(getNum(heads, "firstBlock")), int64(getNum(heads, "lastBlock")))),
			kv("Gas Used", formatNumber(getNum(heads, "gasUsed"))),
		)
	}

	if summary, ok := m["summary"].(map[string]any); ok {
		lines += "\n\n" + formatSummary(summary)
	}
	return lines
}

func formatSummary(summary map[string]any) string {
	events := getNum(summary, "events")
	lines := section("Summary")
	if rep, ok := summary["replay"].(map[string]any); ok {
		verified := getNum(rep, "verified")
		lines += "\n" + joinLines(
			kv("Events", formatNumber(events)),
			kv("Verified", fmt.Sprintf("%s (%s)", formatNumber(verified), formatPct(verified, events-1))),
			kv("Recovered", formatNumber(getNum(rep, "recovered"))),
			kv("Replay Gas", formatNumber(getNum(rep, "gasUsed"))),
		)
	}
	if b, ok := summary["benchmark"].(map[string]any); ok {
		lines += "\n" + joinLines(
			kv("Transactions", formatNumber(getNum(b, "totalTransactions"))),
			kv("Blocks Mined", formatNumber(getNum(b, "blocks"))),
			kv("Throughput", fmt.Sprintf("%.0f tx/s", getNum(b, "averageThroughput"))),
			kv("Latency", formatMs(getNum(b, "averageLatencyMs"))),
			kv("Price Violations", formatNumber(getNum(b, "priceViolations"))),
		)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("poolreplay Health: " + state)
	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "\nNo runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		started := getStr(run, "startedAt")
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			started = t.Format("2006-01-02 15:04:05")
		}
		title := getStr(run, "id")
		if name := getStr(run, "name"); name != "" {
			title += " (" + name + ")"
		}
		if fav, _ := run["favorite"].(bool); fav {
			title += " *"
		}

		lines += "\n### " + title + "\n" + joinLines(
			kv("Mode", getStr(run, "mode")),
			kv("Status", getStr(run, "status")),
			kv("Verified", formatNumber(getNum(run, "verified"))),
			kv("Transactions", formatNumber(getNum(run, "totalTransactions"))),
			kv("Throughput", fmt.Sprintf("%.0f tx/s", getNum(run, "throughput"))),
			kv("Started", started),
		) + "\n"
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Name", getStr(run, "name")),
		kv("Mode", getStr(run, "mode")),
		kv("Node", getStr(run, "node")),
		kv("Status", getStr(run, "status")),
		kv("Error", getStr(run, "error")),
		kv("Events", formatNumber(getNum(run, "events"))),
		kv("Verified", formatNumber(getNum(run, "verified"))),
		kv("Recovered", formatNumber(getNum(run, "recovered"))),
		kv("Final Price", getStr(run, "finalPrice")),
		kv("Transactions", formatNumber(getNum(run, "totalTransactions"))),
		kv("Throughput", fmt.Sprintf("%.0f tx/s", getNum(run, "throughput"))),
		kv("Latency", formatMs(getNum(run, "latencyMs"))),
		kv("Price Violations", formatNumber(getNum(run, "priceViolations"))),
	)

	if blocks, ok := m["blocks"].([]any); ok && len(blocks) > 0 {
		lines += "\n\n" + section(fmt.Sprintf("Blocks (%d)", len(blocks)))
		for i, b := range blocks {
			if i >= 20 {
				lines += fmt.Sprintf("\n... and %d more", len(blocks)-20)
				break
			}
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			lines += fmt.Sprintf("\n  #%d  gas=%s/%s  ts=%d", int64(getNum(block, "number")),
				formatNumber(getNum(block, "gasUsed")), formatNumber(getNum(block, "gasLimit")), int64(getNum(block, "timestamp")))
		}
	}
	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
