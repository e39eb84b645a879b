package status

// Set is a set of status keys.
type Set map[string]struct{}

func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s Set) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Intersect returns the keys present in every set; no sets gives an empty set.
func Intersect(sets ...Set) Set {
	out := Set{}
	if len(sets) == 0 {
		return out
	}
	for k := range sets[0] {
		in := true
		for _, o := range sets[1:] {
			if !o.Has(k) {
				in = false
				break
			}
		}
		if in {
			out[k] = struct{}{}
		}
	}
	return out
}

// Minus returns s without any key of others.
func (s Set) Minus(others ...Set) Set {
	out := Set{}
	for k := range s {
		drop := false
		for _, o := range others {
			if o.Has(k) {
				drop = true
				break
			}
		}
		if !drop {
			out[k] = struct{}{}
		}
	}
	return out
}

// Graph is the validated transition graph. All returned lists follow the
// configured status order.
type Graph struct {
	cfg         Config
	order       []string
	all         Set
	edges       map[string]Set
	destructive Set
}

// NewGraph validates cfg and builds its graph.
func NewGraph(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		cfg:         cfg,
		order:       cfg.ordered(),
		edges:       make(map[string]Set, len(cfg.Statuses)),
		destructive: NewSet(cfg.Destructive...),
	}
	g.all = NewSet(g.order...)
	for _, k := range g.order {
		// a self edge is not a transition
		g.edges[k] = NewSet(cfg.Transitions[k]...).Minus(NewSet(k))
	}
	return g, nil
}

func (g *Graph) Config() Config { return g.cfg }

// Statuses returns every status key in order.
func (g *Graph) Statuses() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Has(k string) bool { return g.all.Has(k) }

func (g *Graph) IsTerminal(k string) bool { return len(g.edges[k]) == 0 }

func (g *Graph) IsDestructive(k string) bool { return g.destructive.Has(k) }

// Normal returns the configured next statuses of s.
func (g *Graph) Normal(s string) []string {
	return g.list(g.normalSet(s))
}

// Forced returns every status except s and its normal targets.
func (g *Graph) Forced(s string) []string {
	return g.list(g.all.Minus(NewSet(s), g.normalSet(s)))
}

// Common returns the normal targets shared by every status in current.
func (g *Graph) Common(current []string) []string {
	return g.list(g.commonSet(current))
}

// BulkOptions returns what a selection whose items are in the given current
// statuses may be moved to: normal targets are shared by all items; forced
// targets are everything else except a status every item already has.
func (g *Graph) BulkOptions(current []string) (normal, forced []string) {
	if len(current) == 0 {
		return nil, nil
	}
	common := g.commonSet(current)
	heldByAll := g.heldByAll(current)
	return g.list(common), g.list(g.all.Minus(common, heldByAll))
}

func (g *Graph) normalSet(s string) Set {
	if e, ok := g.edges[s]; ok {
		return e
	}
	return Set{}
}

func (g *Graph) commonSet(current []string) Set {
	sets := make([]Set, 0, len(current))
	for _, s := range current {
		sets = append(sets, g.normalSet(s))
	}
	return Intersect(sets...)
}

func (g *Graph) heldByAll(current []string) Set {
	sets := make([]Set, 0, len(current))
	for _, s := range current {
		sets = append(sets, NewSet(s))
	}
	return Intersect(sets...)
}

func (g *Graph) list(s Set) []string {
	out := make([]string, 0, len(s))
	for _, k := range g.order {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
