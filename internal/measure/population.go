package measure

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// bucket holds the members of one population within a group. subjects is
// nil unless the report is a subject-list report.
type bucket struct {
	criteria  *PopulationCriteria
	resources *orderedMap[Resource]
	subjects  *orderedMap[Subject]
}

func (b *bucket) count() int {
	if b == nil {
		return 0
	}
	return b.resources.len()
}

func (b *bucket) addSubject(s Subject) {
	if b != nil && b.subjects != nil {
		b.subjects.put(s.ResourceID(), s)
	}
}

func (b *bucket) removeSubject(s Subject) {
	if b != nil && b.subjects != nil {
		b.subjects.remove(s.ResourceID())
	}
}

// groupState is the scratch state of a single group evaluation. It is
// created fresh for every group so no membership leaks between groups.
type groupState struct {
	id      string
	buckets map[PopulationType]*bucket
}

func newGroupState(group *Group, reportType ReportType, logger zerolog.Logger) (*groupState, error) {
	g := &groupState{id: group.ID, buckets: make(map[PopulationType]*bucket)}
	for i := range group.Populations {
		criteria := &group.Populations[i]
		pt, ok := ParsePopulationType(criteria.Code)
		if !ok {
			return nil, &ConfigurationError{Msg: fmt.Sprintf("unknown population type %q in group %q", criteria.Code, group.ID)}
		}
		if _, dup := g.buckets[pt]; dup {
			logger.Warn().
				Str("group", group.ID).
				Str("population", string(pt)).
				Msg("group declares the population more than once; only the last criteria is scored")
		}
		b := &bucket{criteria: criteria, resources: newOrderedMap[Resource]()}
		if reportType == ReportSubjectList && pt != MeasureObservation {
			b.subjects = newOrderedMap[Subject]()
		}
		g.buckets[pt] = b
	}
	return g, nil
}

// bucket returns the bucket of pt, or nil when the group does not declare it.
func (g *groupState) bucket(pt PopulationType) *bucket {
	return g.buckets[pt]
}

// classify applies an inclusion/exclusion criteria pair to a subject and
// reports whether the subject remains in the inclusion population. Resources
// qualified by the exclusion are moved out of the inclusion bucket.
func (g *groupState) classify(ctx context.Context, r *run, subject Subject, inclusion, exclusion PopulationType) (bool, error) {
	in := g.bucket(inclusion)
	if in == nil {
		return false, nil
	}

	inPop := false
	included, err := r.evaluateCriteria(ctx, subject, in.criteria)
	if err != nil {
		return false, err
	}
	for _, res := range included {
		inPop = true
		in.resources.put(res.ResourceID(), res)
	}
	r.prov.qualified(included)

	out := g.bucket(exclusion)
	if inPop && out != nil {
		resources, err := r.evaluateCriteria(ctx, subject, out.criteria)
		if err != nil {
			return false, err
		}
		for _, res := range resources {
			inPop = false
			out.resources.put(res.ResourceID(), res)
			in.resources.remove(res.ResourceID())
		}
		r.prov.qualified(resources)
	}

	// A subject that ends up outside the inclusion population is listed
	// under the exclusion whenever the group declares one.
	if inPop {
		in.addSubject(subject)
	} else {
		out.addSubject(subject)
	}
	return inPop, nil
}

// qualify evaluates a criteria with no exclusion pair and adds every
// qualifying resource to the bucket.
func (g *groupState) qualify(ctx context.Context, r *run, subject Subject, pt PopulationType) ([]Resource, error) {
	b := g.bucket(pt)
	if b == nil {
		return nil, nil
	}
	resources, err := r.evaluateCriteria(ctx, subject, b.criteria)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		b.resources.put(res.ResourceID(), res)
	}
	r.prov.qualified(resources)
	return resources, nil
}
