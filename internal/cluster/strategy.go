// Package cluster groups enriched feedback items into themed clusters.
//
// The default strategy is deterministic theme bucketing. Real
// similarity-based clustering (embedding cosine distance, HDBSCAN, etc.)
// plugs in behind the same Strategy interface; implementations must keep
// the determinism contract: identical input yields identical clusters.
package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

// slug normalizes a theme key into an identifier fragment.
func slug(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '_', r == '/':
			return '-'
		default:
			return r
		}
	}, strings.ToLower(s))
}

// UnclusteredTheme is the theme key of the pseudo-cluster that collects
// items from groups below the minimum cluster size.
const UnclusteredTheme = "unclustered"

// Result is the outcome of one clustering pass.
type Result struct {
	// Clusters are the promoted theme groups, in first-seen theme order
	Clusters []*types.Cluster
	// Unclustered is the pseudo-cluster of leftover items, nil when every
	// item landed in a promoted cluster or singletons are excluded
	Unclustered *types.Cluster
	// DroppedItemIDs are items dropped because their group was too small
	// and singletons are excluded
	DroppedItemIDs []string
}

// Strategy maps enriched items to clusters.
type Strategy interface {
	// Cluster groups the items. Implementations must be deterministic for
	// identical input and must place each item in at most one cluster.
	Cluster(items []*types.EnrichedItem) (*Result, error)
}

// Config holds theme-bucket clustering parameters.
type Config struct {
	// MinClusterSize is the smallest group promoted to a cluster (default: 2)
	MinClusterSize int `yaml:"min_cluster_size"`
	// IncludeSingletons routes below-minimum items into the unclustered
	// pseudo-cluster instead of dropping them
	IncludeSingletons bool `yaml:"include_singletons"`
}

// DefaultConfig returns the default clustering configuration.
func DefaultConfig() Config {
	return Config{MinClusterSize: 2}
}

// ThemeBucket is the default Strategy: items sharing a theme key form one
// cluster. The theme key comes from the item's categories and extracted
// features; an item qualifying for several keys goes to the key with the
// highest enrichment confidence, ties broken by first-seen key order.
type ThemeBucket struct {
	cfg Config
}

// NewThemeBucket creates the default clustering strategy.
func NewThemeBucket(cfg Config) *ThemeBucket {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = DefaultConfig().MinClusterSize
	}
	return &ThemeBucket{cfg: cfg}
}

// Cluster implements Strategy.
func (t *ThemeBucket) Cluster(items []*types.EnrichedItem) (*Result, error) {
	// themeOrder records first-seen order so output is reproducible.
	themeOrder := []string{}
	buckets := map[string][]*types.EnrichedItem{}

	for _, item := range items {
		key := themeKey(item, themeOrder)
		if _, seen := buckets[key]; !seen {
			themeOrder = append(themeOrder, key)
		}
		buckets[key] = append(buckets[key], item)
	}

	result := &Result{}
	var leftovers []*types.EnrichedItem
	for _, theme := range themeOrder {
		members := buckets[theme]
		if len(members) < t.cfg.MinClusterSize {
			leftovers = append(leftovers, members...)
			continue
		}
		result.Clusters = append(result.Clusters, buildCluster(theme, members))
	}

	if len(leftovers) > 0 {
		if t.cfg.IncludeSingletons {
			result.Unclustered = buildCluster(UnclusteredTheme, leftovers)
			result.Unclustered.Description = fmt.Sprintf("%d items without a theme group of size ≥ %d", len(leftovers), t.cfg.MinClusterSize)
		} else {
			for _, item := range leftovers {
				result.DroppedItemIDs = append(result.DroppedItemIDs, item.ID)
			}
		}
	}

	return result, nil
}

// themeKey picks the theme key for one item. Candidate keys are the item's
// categories followed by its extracted features, lowercased. The item's
// enrichment confidence does not vary per candidate, so the highest-
// confidence rule reduces to: prefer a key already seen in input order,
// then the item's own first candidate.
func themeKey(item *types.EnrichedItem, seenOrder []string) string {
	candidates := candidateKeys(item)
	if len(candidates) == 0 {
		return "uncategorized"
	}
	for _, seen := range seenOrder {
		for _, c := range candidates {
			if c == seen {
				return c
			}
		}
	}
	return candidates[0]
}

// candidateKeys returns the normalized theme keys an item qualifies for.
func candidateKeys(item *types.EnrichedItem) []string {
	var keys []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return
		}
		for _, k := range keys {
			if k == s {
				return
			}
		}
		keys = append(keys, s)
	}
	for _, c := range item.Categories {
		add(c)
	}
	for _, f := range item.ExtractedFeatures {
		add(f)
	}
	return keys
}

// buildCluster assembles a Cluster from its members. Cluster IDs derive
// from the theme key so reruns over identical input produce identical
// output (the reproducibility contract).
func buildCluster(theme string, members []*types.EnrichedItem) *types.Cluster {
	c := &types.Cluster{
		ID:                "cluster-" + slug(theme),
		Theme:             theme,
		MemberItemIDs:     make([]string, 0, len(members)),
		DominantSentiment: dominantSentiment(members),
		Keywords:          topKeywords(members, 5),
	}
	for _, m := range members {
		c.MemberItemIDs = append(c.MemberItemIDs, m.ID)
	}
	return c
}

// dominantSentiment returns the most common sentiment label among members,
// ties broken alphabetically for determinism.
func dominantSentiment(members []*types.EnrichedItem) string {
	counts := map[string]int{}
	for _, m := range members {
		if m.Sentiment.Label != "" {
			counts[m.Sentiment.Label]++
		}
	}
	best := ""
	bestCount := 0
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if counts[label] > bestCount {
			best = label
			bestCount = counts[label]
		}
	}
	return best
}

// topKeywords collects the n most frequent extracted features across
// members, frequency descending, ties broken alphabetically.
func topKeywords(members []*types.EnrichedItem, n int) []string {
	counts := map[string]int{}
	for _, m := range members {
		for _, f := range m.ExtractedFeatures {
			f = strings.ToLower(strings.TrimSpace(f))
			if f != "" {
				counts[f]++
			}
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}
