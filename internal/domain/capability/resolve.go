package capability

import (
	"sort"
	"sync"
	"sync/atomic"
)

// maxMemoEntries bounds the authorize memo so hostile plugins cannot grow it.
const maxMemoEntries = 4096

// Resolution is the outcome for one requested capability.
type Resolution struct {
	Requested Capability
	Decision  Decision
	// Grant is the grant that decided the outcome, nil when no grant matched.
	Grant *Grant
}

type rule struct {
	capability  Capability
	decision    Decision
	specificity int
}

// ResolvedPermissions is an immutable snapshot of what a plugin may do.
// It is safe for concurrent use.
type ResolvedPermissions struct {
	pluginID    string
	resolutions []Resolution
	rules       []rule

	memo     sync.Map
	memoSize atomic.Int64
}

// Resolve matches each requested capability against the grants. The most
// specific subsuming grant decides; at equal specificity Denied wins; with no
// subsuming grant the capability is Denied.
//
// Grants nested inside a requested scope are kept as carve-outs so that
// Authorize can apply them to narrower attempts.
func Resolve(requested []Capability, grants []Grant) *ResolvedPermissions {
	rp := &ResolvedPermissions{}
	if len(grants) > 0 {
		rp.pluginID = grants[0].PluginID
	}

	seen := make(map[string]bool, len(requested))
	for _, req := range requested {
		if req.IsZero() || seen[req.String()] {
			continue
		}
		seen[req.String()] = true

		res := Resolution{Requested: req, Decision: Denied}
		best := -1
		for i := range grants {
			g := grants[i]
			if !g.Capability.Subsumes(req) {
				continue
			}
			spec := g.Capability.Specificity()
			if spec > best || (spec == best && g.Decision == Denied) {
				best = spec
				res.Decision = g.Decision
				res.Grant = &grants[i]
			}
		}
		rp.resolutions = append(rp.resolutions, res)
		rp.rules = append(rp.rules, rule{
			capability:  req,
			decision:    res.Decision,
			specificity: req.Specificity(),
		})
	}

	for _, g := range grants {
		for _, res := range rp.resolutions {
			if res.Requested.Subsumes(g.Capability) && g.Capability.String() != res.Requested.String() {
				rp.rules = append(rp.rules, rule{
					capability:  g.Capability,
					decision:    g.Decision,
					specificity: g.Capability.Specificity(),
				})
				break
			}
		}
	}

	sort.SliceStable(rp.resolutions, func(i, j int) bool {
		return rp.resolutions[i].Requested.String() < rp.resolutions[j].Requested.String()
	})

	return rp
}

// Authorize decides an attempted capability against a resolved snapshot.
// It never fails; a nil snapshot denies everything.
func Authorize(resolved *ResolvedPermissions, attempted Capability) Decision {
	if resolved == nil {
		return Denied
	}
	return resolved.Authorize(attempted)
}

// Authorize decides an attempted capability. The attempt must fall within a
// requested capability; among the rules covering it the most specific wins,
// ties go to Denied, and no covering rule means Denied.
func (rp *ResolvedPermissions) Authorize(attempted Capability) Decision {
	if attempted.IsZero() {
		return Denied
	}

	key := attempted.String()
	if cached, ok := rp.memo.Load(key); ok {
		return cached.(Decision)
	}

	decision := rp.decide(attempted)

	if rp.memoSize.Load() < maxMemoEntries {
		if _, loaded := rp.memo.LoadOrStore(key, decision); !loaded {
			rp.memoSize.Add(1)
		}
	}
	return decision
}

func (rp *ResolvedPermissions) decide(attempted Capability) Decision {
	decision := Denied
	best := -1
	for _, r := range rp.rules {
		if !r.capability.Subsumes(attempted) {
			continue
		}
		if r.specificity > best || (r.specificity == best && r.decision == Denied) {
			best = r.specificity
			decision = r.decision
		}
	}
	return decision
}

// PluginID returns the plugin the grants belonged to, if known.
func (rp *ResolvedPermissions) PluginID() string {
	return rp.pluginID
}

// Resolutions returns the per-request outcomes sorted by capability.
func (rp *ResolvedPermissions) Resolutions() []Resolution {
	out := make([]Resolution, len(rp.resolutions))
	copy(out, rp.resolutions)
	return out
}

// Decision returns the resolved decision for a requested capability.
// Capabilities that were not requested are Denied.
func (rp *ResolvedPermissions) Decision(requested Capability) Decision {
	for _, res := range rp.resolutions {
		if res.Requested.String() == requested.String() {
			return res.Decision
		}
	}
	return Denied
}

// Allowed returns the requested capabilities that resolved Allowed.
func (rp *ResolvedPermissions) Allowed() []Capability {
	return rp.filter(Allowed)
}

// Denied returns the requested capabilities that resolved Denied.
func (rp *ResolvedPermissions) Denied() []Capability {
	return rp.filter(Denied)
}

func (rp *ResolvedPermissions) filter(d Decision) []Capability {
	var out []Capability
	for _, res := range rp.resolutions {
		if res.Decision == d {
			out = append(out, res.Requested)
		}
	}
	return out
}
