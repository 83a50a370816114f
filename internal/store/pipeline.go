package store

import (
	"fmt"
	"sort"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// Stage is one step of an aggregation pipeline.
type Stage interface {
	stageName() string
}

// Pipeline is evaluated left to right. Stages before the first Group or
// Count operate on events; stages after it operate on rows.
type Pipeline []Stage

// MatchStage keeps events matching the filter.
type MatchStage struct {
	Filter Filter
}

// GroupStage buckets events by a field. An empty By puts every event in one
// group. Groups keep the order in which their key was first seen.
type GroupStage struct {
	By           Field
	Accumulators []Accumulator
}

// SortStage orders events (by Field) or rows (by Row). Sorting is stable.
type SortStage struct {
	Events []SortKey
	Rows   []RowSortKey
}

// LimitStage keeps the first N items.
type LimitStage struct {
	N int
}

// CountStage replaces the current items with a single row holding their count.
type CountStage struct {
	As string
}

func (MatchStage) stageName() string { return "match" }
func (GroupStage) stageName() string { return "group" }
func (SortStage) stageName() string { return "sort" }
func (LimitStage) stageName() string { return "limit" }
func (CountStage) stageName() string { return "count" }

// AccOp is a group accumulator.
type AccOp string

const (
	AccCount AccOp = "count"
	AccSum   AccOp = "sum"
	AccMax   AccOp = "max"
	AccMin   AccOp = "min"
	AccAvg   AccOp = "avg"
	// AccFirst and AccLast record a string label from the first or last event of the group.
	AccFirst AccOp = "first"
	AccLast  AccOp = "last"
)

// Accumulator computes one named output per group.
type Accumulator struct {
	Name  string
	Op    AccOp
	Field Field
}

// Count, Sum, Max and First build accumulators named after their output.
func Count(name string) Accumulator { return Accumulator{Name: name, Op: AccCount} }
func Sum(name string, f Field) Accumulator { return Accumulator{Name: name, Op: AccSum, Field: f} }
func Max(name string, f Field) Accumulator { return Accumulator{Name: name, Op: AccMax, Field: f} }
func Avg(name string, f Field) Accumulator { return Accumulator{Name: name, Op: AccAvg, Field: f} }
func First(name string, f Field) Accumulator { return Accumulator{Name: name, Op: AccFirst, Field: f} }
func Last(name string, f Field) Accumulator { return Accumulator{Name: name, Op: AccLast, Field: f} }

// Row is one aggregation result.
type Row struct {
	Key    string             `json:"key"`
	Values map[string]float64 `json:"values"`
	Labels map[string]string  `json:"labels,omitempty"`
}

// Int returns a numeric output truncated to int64.
func (r Row) Int(name string) int64 { return int64(r.Values[name]) }

// Float returns a numeric output.
func (r Row) Float(name string) float64 { return r.Values[name] }

// Label returns a string output.
func (r Row) Label(name string) string { return r.Labels[name] }

// RowSortKey orders rows by a named value, or by Key when Name is empty.
type RowSortKey struct {
	Name string
	Desc bool
}

// Match, GroupBy, SortRows, Limit and CountAll are stage constructors.
func Match(conds ...Cond) Stage { return MatchStage{Filter: conds} }
func GroupBy(by Field, accs ...Accumulator) Stage { return GroupStage{By: by, Accumulators: accs} }
func SortRows(keys ...RowSortKey) Stage { return SortStage{Rows: keys} }
func SortBy(keys ...SortKey) Stage { return SortStage{Events: keys} }
func Limit(n int) Stage { return LimitStage{N: n} }
func CountAll(as string) Stage { return CountStage{As: as} }

// Validate checks stage order and field references.
func (p Pipeline) Validate() error {
	grouped := false
	for i, s := range p {
		switch st := s.(type) {
		case MatchStage:
			if grouped {
				return fmt.Errorf("%w: match at stage %d follows a group", ErrInvalidPipeline, i)
			}
			if err := st.Filter.Validate(); err != nil {
				return fmt.Errorf("%w: stage %d: %v", ErrInvalidPipeline, i, err)
			}
		case GroupStage:
			if grouped {
				return fmt.Errorf("%w: more than one group", ErrInvalidPipeline)
			}
			if st.By != "" && !st.By.Valid() {
				return fmt.Errorf("%w: group by %q", ErrInvalidPipeline, st.By)
			}
			for _, a := range st.Accumulators {
				if a.Op != AccCount && !a.Field.Valid() {
					return fmt.Errorf("%w: accumulator %s field %q", ErrInvalidPipeline, a.Name, a.Field)
				}
			}
			grouped = true
		case CountStage:
			if grouped {
				return fmt.Errorf("%w: count follows a group", ErrInvalidPipeline)
			}
			grouped = true
		case SortStage:
			if grouped && len(st.Events) > 0 {
				return fmt.Errorf("%w: event sort at stage %d follows a group", ErrInvalidPipeline, i)
			}
			if !grouped && len(st.Rows) > 0 {
				return fmt.Errorf("%w: row sort at stage %d precedes a group", ErrInvalidPipeline, i)
			}
		case LimitStage:
		default:
			return fmt.Errorf("%w: unknown stage %T", ErrInvalidPipeline, s)
		}
	}
	if !grouped {
		return fmt.Errorf("%w: pipeline must group or count", ErrInvalidPipeline)
	}
	return nil
}

// Evaluate runs p over events, which must be in ID order.
func Evaluate(events []types.Event, p Pipeline) ([]Row, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	current := events
	var rows []Row
	grouped := false

	for _, s := range p {
		switch st := s.(type) {
		case MatchStage:
			kept := make([]types.Event, 0, len(current))
			for _, ev := range current {
				if st.Filter.Matches(ev) {
					kept = append(kept, ev)
				}
			}
			current = kept
		case GroupStage:
			rows = group(current, st)
			grouped = true
		case CountStage:
			as := st.As
			if as == "" {
				as = "count"
			}
			rows = []Row{{Values: map[string]float64{as: float64(len(current))}}}
			grouped = true
		case SortStage:
			if grouped {
				sortRows(rows, st.Rows)
			} else {
				// Copy so callers' slices keep their order.
				current = append([]types.Event(nil), current...)
				SortEvents(current, st.Events)
			}
		case LimitStage:
			if grouped {
				if st.N >= 0 && len(rows) > st.N {
					rows = rows[:st.N]
				}
			} else if st.N >= 0 && len(current) > st.N {
				current = current[:st.N]
			}
		}
	}

	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

type groupState struct {
	row   Row
	count float64
	sums  map[string]float64
	seen  map[string]bool
}

func group(events []types.Event, st GroupStage) []Row {
	var order []string
	groups := make(map[string]*groupState)

	for _, ev := range events {
		key := ""
		if st.By != "" {
			v, ok := Value(ev, st.By)
			if !ok {
				continue
			}
			key = keyString(v)
		}

		g, ok := groups[key]
		if !ok {
			g = &groupState{
				row:  Row{Key: key, Values: make(map[string]float64)},
				sums: make(map[string]float64),
				seen: make(map[string]bool),
			}
			groups[key] = g
			order = append(order, key)
		}
		g.count++

		for _, a := range st.Accumulators {
			accumulate(g, a, ev)
		}
	}

	rows := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		for _, a := range st.Accumulators {
			switch a.Op {
			case AccCount:
				g.row.Values[a.Name] = g.count
			case AccAvg:
				g.row.Values[a.Name] = g.sums[a.Name] / g.count
			}
		}
		rows = append(rows, g.row)
	}
	return rows
}

func accumulate(g *groupState, a Accumulator, ev types.Event) {
	if a.Op == AccCount {
		return
	}
	v, ok := Value(ev, a.Field)
	if !ok {
		return
	}

	switch a.Op {
	case AccFirst, AccLast:
		if g.row.Labels == nil {
			g.row.Labels = make(map[string]string)
		}
		if _, set := g.row.Labels[a.Name]; a.Op == AccLast || !set {
			g.row.Labels[a.Name] = keyString(v)
		}
		return
	}

	f, ok := toFloat(v)
	if !ok {
		return
	}
	switch a.Op {
	case AccSum:
		g.row.Values[a.Name] += f
	case AccAvg:
		g.sums[a.Name] += f
	case AccMax:
		if !g.seen[a.Name] || f > g.row.Values[a.Name] {
			g.row.Values[a.Name] = f
		}
	case AccMin:
		if !g.seen[a.Name] || f < g.row.Values[a.Name] {
			g.row.Values[a.Name] = f
		}
	}
	g.seen[a.Name] = true
}

func sortRows(rows []Row, keys []RowSortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			var cmp int
			if k.Name == "" {
				switch {
				case rows[i].Key < rows[j].Key:
					cmp = -1
				case rows[i].Key > rows[j].Key:
					cmp = 1
				}
			} else {
				a, b := rows[i].Values[k.Name], rows[j].Values[k.Name]
				switch {
				case a < b:
					cmp = -1
				case a > b:
					cmp = 1
				}
			}
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// SplitMatch returns the leading match stages' combined filter and the rest
// of the pipeline, so backends can push the filter down.
func SplitMatch(p Pipeline) (Filter, Pipeline) {
	var f Filter
	i := 0
	for ; i < len(p); i++ {
		m, ok := p[i].(MatchStage)
		if !ok {
			break
		}
		f = append(f, m.Filter...)
	}
	return f, p[i:]
}
