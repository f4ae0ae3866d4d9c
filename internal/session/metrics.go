package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/finsight-labs/finsight/internal/ranking"
)

// metricNames is the fixed set of figures an analysis session reports.
// Extraction failures fill every slot with the placeholder so the
// metrics event shape is stable regardless of provider behavior.
var metricNames = []string{
	"current_price",
	"price_target",
	"pe_ratio",
	"market_cap",
	"revenue_growth",
	"sentiment",
	"recommendation",
}

const metricPlaceholder = "N/A"

// extractMetrics asks the provider for structured figures about the
// symbol. It never fails: timeouts, provider errors, and undecodable
// responses all degrade to placeholder values.
func (o *Orchestrator) extractMetrics(ctx context.Context, symbol string, docs []ranking.Document) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.MetricsTimeout)
	defer cancel()

	completion, err := o.generator.Generate(ctx, metricsPrompt(symbol, docs))
	if err != nil {
		o.logger.Printf("metrics extraction for %s: %v", symbol, err)
		return placeholderMetrics()
	}

	parsed := map[string]string{}
	if err := json.Unmarshal([]byte(extractJSON(completion.Text)), &parsed); err != nil {
		o.logger.Printf("metrics extraction for %s: undecodable response: %v", symbol, err)
		return placeholderMetrics()
	}

	metrics := placeholderMetrics()
	for _, name := range metricNames {
		if v := strings.TrimSpace(parsed[name]); v != "" {
			metrics[name] = v
		}
	}
	return metrics
}

func placeholderMetrics() map[string]string {
	metrics := make(map[string]string, len(metricNames))
	for _, name := range metricNames {
		metrics[name] = metricPlaceholder
	}
	return metrics
}

func metricsPrompt(symbol string, docs []ranking.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract the following figures for %s as a JSON object with string values", strings.ToUpper(strings.TrimSpace(symbol)))
	fmt.Fprintf(&b, " and exactly these keys: %s.", strings.Join(metricNames, ", "))
	b.WriteString(" Use \"N/A\" for any figure not supported by the coverage. Respond with the JSON object only.")
	if len(docs) > 0 {
		b.WriteString("\n\nCoverage:\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "- %s: %s\n", d.Title, d.Content)
		}
	}
	return b.String()
}

// extractJSON trims provider chatter around the first JSON object in a
// response, tolerating markdown fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}
