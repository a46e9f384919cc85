// Package planner decides how to partition a store's catalog into filtered
// queries that each fit under the upstream hit cap.
package planner

import (
	"sort"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Defaults mirror the upstream limits.
const (
	DefaultHardCap            = 1000
	DefaultMaxPlanIterations  = 500
	DefaultFirstPassMaxValues = 30
)

// DefaultPriorityAttributes are low-cardinality facets that partition the
// catalog cleanly, in the order they are tried.
var DefaultPriorityAttributes = []string{
	"categories.lvl0",
	"categories.lvl1",
	"categories.lvl2",
	"categories.lvl3",
	"inStock",
	"onSale",
	"isNew",
	"isOrganic",
	"isGlutenFree",
}

// DefaultSkipAttributes are never used as a split dimension: they are
// per-item unique, array valued or otherwise explode the fan-out.
var DefaultSkipAttributes = []string{
	catalog.HitIDField,
	"sku",
	"upc",
	"gtin",
	"name",
	"description",
	"url",
	"image",
	"images",
	"price",
	"salePrice",
	"storeNumber",
	"_tags",
	"keywords",
}

// Decision is the outcome of planning one task.
type Decision int

// Possible decisions.
const (
	Discard Decision = iota
	Fetch
	Split
)

func (d Decision) String() string {
	switch d {
	case Discard:
		return "discard"
	case Fetch:
		return "fetch"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// Probe is the zero-page answer for a task's filter.
type Probe struct {
	NbHits int
	Facets map[string]map[string]int
}

// Result describes what to do with a probed task.
type Result struct {
	Decision  Decision
	Children  []catalog.SplitTask
	Attribute string
	// Truncated is set when the task is fetched despite exceeding the cap.
	Truncated bool
}

// Config tunes the planner. Zero values fall back to the defaults.
type Config struct {
	HardCap            int
	MaxPlanIterations  int
	FirstPassMaxValues int
	Priority           []string
	Skip               []string
}

// Planner is stateless and safe for concurrent use.
type Planner struct {
	hardCap       int
	maxIterations int
	firstPassMax  int
	priority      []string
	skip          map[string]struct{}
}

// New builds a Planner.
func New(cfg Config) *Planner {
	if cfg.HardCap <= 0 {
		cfg.HardCap = DefaultHardCap
	}
	if cfg.MaxPlanIterations <= 0 {
		cfg.MaxPlanIterations = DefaultMaxPlanIterations
	}
	if cfg.FirstPassMaxValues < 2 {
		cfg.FirstPassMaxValues = DefaultFirstPassMaxValues
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = DefaultPriorityAttributes
	}
	if cfg.Skip == nil {
		cfg.Skip = DefaultSkipAttributes
	}
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, attr := range cfg.Skip {
		skip[attr] = struct{}{}
	}
	return &Planner{
		hardCap:       cfg.HardCap,
		maxIterations: cfg.MaxPlanIterations,
		firstPassMax:  cfg.FirstPassMaxValues,
		priority:      append([]string(nil), cfg.Priority...),
		skip:          skip,
	}
}

// HardCap is the largest result a single fetch may return.
func (p *Planner) HardCap() int {
	return p.hardCap
}

// Plan decides the fate of task given its probe. iteration is the store's
// plan counter including this probe; past the cap no task is split.
func (p *Planner) Plan(task catalog.SplitTask, probe Probe, iteration int) Result {
	switch {
	case probe.NbHits <= 0:
		return Result{Decision: Discard}
	case probe.NbHits <= p.hardCap:
		return Result{Decision: Fetch}
	case iteration > p.maxIterations:
		return Result{Decision: Fetch, Truncated: true}
	}
	attr, ok := p.FindBestSplit(probe.Facets, probe.NbHits)
	if !ok {
		return Result{Decision: Fetch, Truncated: true}
	}
	return Result{
		Decision:  Split,
		Attribute: attr,
		Children:  Partition(task, attr, probe.Facets[attr], probe.NbHits),
	}
}

// FindBestSplit picks the facet to partition on. Every accepted facet has at
// least two values and a largest bucket strictly smaller than nbHits.
func (p *Planner) FindBestSplit(facets map[string]map[string]int, nbHits int) (string, bool) {
	for _, attr := range p.priority {
		if p.acceptable(facets[attr], nbHits, p.firstPassMax) {
			return attr, true
		}
	}
	for _, attr := range p.priority {
		if p.acceptable(facets[attr], nbHits, p.hardCap) {
			return attr, true
		}
	}

	candidates := make([]string, 0, len(facets))
	for attr := range facets {
		if _, skipped := p.skip[attr]; skipped {
			continue
		}
		candidates = append(candidates, attr)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := len(facets[candidates[i]]), len(facets[candidates[j]])
		if ci != cj {
			return ci < cj
		}
		return candidates[i] < candidates[j]
	})
	for _, attr := range candidates {
		if p.acceptable(facets[attr], nbHits, p.hardCap) {
			return attr, true
		}
	}
	return "", false
}

func (p *Planner) acceptable(buckets map[string]int, nbHits, maxValues int) bool {
	if len(buckets) < 2 || len(buckets) > maxValues {
		return false
	}
	return largest(buckets) < nbHits
}

// Partition emits one child per facet value plus, when the buckets do not
// account for every hit, a remainder child excluding all of them.
func Partition(parent catalog.SplitTask, attr string, buckets map[string]int, nbHits int) []catalog.SplitTask {
	values := make([]string, 0, len(buckets))
	sum := 0
	for value, count := range buckets {
		values = append(values, value)
		sum += count
	}
	sort.Strings(values)

	children := make([]catalog.SplitTask, 0, len(values)+1)
	negations := make([]string, 0, len(values))
	for _, value := range values {
		clause := catalog.Eq(attr, value)
		children = append(children, catalog.SplitTask{
			Label:  parent.Label + " > " + attr + "=" + value,
			Filter: catalog.And(parent.Filter, clause),
		})
		negations = append(negations, catalog.Not(clause))
	}
	if sum < nbHits {
		children = append(children, catalog.SplitTask{
			Label:  parent.Label + " > " + attr + "=(other)",
			Filter: catalog.And(append([]string{parent.Filter}, negations...)...),
		})
	}
	return children
}

func largest(buckets map[string]int) int {
	maxCount := 0
	for _, count := range buckets {
		if count > maxCount {
			maxCount = count
		}
	}
	return maxCount
}
