package measure

// provenance tracks which resources contributed to an evaluation: a global
// map keyed by "<ResourceType>/<id>" and, per population type, the keys
// observed while that population was being evaluated.
type provenance struct {
	resources *orderedMap[Resource]
	byCode    map[PopulationType]*orderedMap[struct{}]
	pending   []Resource
}

func newProvenance() *provenance {
	return &provenance{
		resources: newOrderedMap[Resource](),
		byCode:    make(map[PopulationType]*orderedMap[struct{}]),
	}
}

// qualified queues resources a criteria qualified so the next collect
// records them alongside the context's evaluated resources.
func (p *provenance) qualified(resources []Resource) {
	p.pending = append(p.pending, resources...)
}

// collect drains the context's evaluated resources, plus anything queued by
// qualified, under the population type pt. Values that are not resources
// are ignored.
func (p *provenance) collect(ec EvaluationContext, pt PopulationType) {
	evaluated := ec.EvaluatedResources()
	pending := p.pending
	p.pending = nil
	if len(evaluated) == 0 && len(pending) == 0 {
		return
	}

	keys, ok := p.byCode[pt]
	if !ok {
		keys = newOrderedMap[struct{}]()
		p.byCode[pt] = keys
	}

	record := func(r Resource) {
		key := resourceKey(r)
		keys.putIfAbsent(key, struct{}{})
		p.resources.putIfAbsent(key, r)
	}
	for _, v := range evaluated {
		if r, ok := v.(Resource); ok {
			record(r)
		}
	}
	for _, r := range pending {
		record(r)
	}

	ec.ClearEvaluatedResources()
}

// codes returns the collected population types in declaration order.
func (p *provenance) codes() []PopulationType {
	var out []PopulationType
	for _, pt := range populationOrder {
		if keys, ok := p.byCode[pt]; ok && keys.len() > 0 {
			out = append(out, pt)
		}
	}
	return out
}

func resourceKey(r Resource) string {
	if rt := r.ResourceType(); rt != "" {
		return rt + "/" + r.ResourceID()
	}
	return r.ResourceID()
}
