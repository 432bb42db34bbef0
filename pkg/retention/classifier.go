package retention

import (
	"path"
	"strings"

	"github.com/memmcp/engram/pkg/config"
)

// churnExts are file shapes that rewrite constantly. A near-empty
// summary on one of them marks the record low value.
var churnExts = map[string]bool{".json": true, ".ndjson": true, ".log": true}

// Classifier marks records that are cheap to drop: telemetry snapshots,
// ephemeral topics, rollup digests, and churny files whose summary
// carries almost no text. Archival admission and the retention sweeps
// share one instance.
type Classifier struct {
	suffixes        []string
	topicPrefixes   []string
	minSummaryChars int
}

// NewClassifier compiles the configured low-value rules.
func NewClassifier(cfg config.RetentionConfig) *Classifier {
	c := &Classifier{minSummaryChars: cfg.LowValueMinSummaryChars}
	for _, s := range cfg.LowValueSuffixes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			c.suffixes = append(c.suffixes, s)
		}
	}
	for _, p := range cfg.LowValueTopicPrefixes {
		p = strings.ToLower(strings.Trim(strings.TrimSpace(p), "/"))
		if p != "" {
			c.topicPrefixes = append(c.topicPrefixes, p+"/")
		}
	}
	return c
}

// LowValue reports whether a record may be dropped early. The signature
// matches fanout's admission hook.
func (c *Classifier) LowValue(file, topicPath, summary string) bool {
	f := strings.ToLower(strings.TrimSpace(file))
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(f, suffix) {
			return true
		}
	}
	// "signals" the topic and "signals/agent" below it both match the
	// configured "signals/" prefix.
	topic := strings.ToLower(strings.Trim(topicPath, "/")) + "/"
	for _, prefix := range c.topicPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	if rollupShaped(f) {
		return true
	}
	if c.minSummaryChars > 0 && churnExts[path.Ext(f)] &&
		len(strings.TrimSpace(summary)) < c.minSummaryChars {
		return true
	}
	return false
}

// rollupShaped recognizes flusher output wherever it landed.
func rollupShaped(file string) bool {
	if strings.HasSuffix(file, "__rollup.json") {
		return true
	}
	return strings.HasPrefix(file, "_rollups/") || strings.Contains(file, "/_rollups/")
}
