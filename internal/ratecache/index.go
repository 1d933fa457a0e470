package ratecache

type indexKey struct {
	rateSheet string
	value     string
}

type idSet map[Identity]struct{}

// index maps code, modifier and POS values to the identities that carry
// them. Derived records are never indexed.
type index struct {
	byCode     map[indexKey]idSet
	byModifier map[indexKey]idSet
	byPOS      map[indexKey]idSet
}

func newIndex() *index {
	return &index{
		byCode:     make(map[indexKey]idSet),
		byModifier: make(map[indexKey]idSet),
		byPOS:      make(map[indexKey]idSet),
	}
}

func (x *index) add(id Identity) {
	put(x.byCode, indexKey{id.RateSheet, id.Code}, id)
	put(x.byModifier, indexKey{id.RateSheet, id.Modifier}, id)
	put(x.byPOS, indexKey{id.RateSheet, id.POS}, id)
}

func put(m map[indexKey]idSet, k indexKey, id Identity) {
	s, ok := m[k]
	if !ok {
		s = make(idSet)
		m[k] = s
	}
	s[id] = struct{}{}
}

// match intersects the sets selected by f. It returns nil when f does not
// constrain anything.
func (x *index) match(rateSheet string, f Filter) idSet {
	var sets []idSet
	if f.Code != Any {
		sets = append(sets, x.byCode[indexKey{rateSheet, f.Code}])
	}
	if f.Modifier != Any {
		sets = append(sets, x.byModifier[indexKey{rateSheet, f.Modifier}])
	}
	if f.POS != Any {
		sets = append(sets, x.byPOS[indexKey{rateSheet, f.POS}])
	}
	if len(sets) == 0 {
		return nil
	}

	smallest := 0
	for i, s := range sets {
		if len(s) < len(sets[smallest]) {
			smallest = i
		}
	}
	out := make(idSet)
	for id := range sets[smallest] {
		keep := true
		for i, s := range sets {
			if i == smallest {
				continue
			}
			if _, ok := s[id]; !ok {
				keep = false
				break
			}
		}
		if keep {
			out[id] = struct{}{}
		}
	}
	return out
}
