package measure

import (
	"context"

	"github.com/spf13/cast"
)

// scoreGroup runs the scoring method of the measure over one group. SDEs are
// accumulated only when withSDE is set so each subject is counted once per
// report regardless of the number of groups.
func (r *run) scoreGroup(ctx context.Context, group *Group, subjects []Subject, withSDE bool) (scoredGroup, error) {
	g, err := newGroupState(group, r.reportType, r.logger)
	if err != nil {
		return scoredGroup{}, err
	}

	var score *float64
	switch r.measure.Scoring {
	case ScoringProportion, ScoringRatio:
		score, err = r.scoreProportion(ctx, g, subjects, withSDE)
	case ScoringContinuousVariable:
		score, err = r.scoreContinuousVariable(ctx, g, subjects, withSDE)
	case ScoringCohort:
		err = r.scoreCohort(ctx, g, subjects, withSDE)
	default:
		err = &ConfigurationError{Msg: "Measure scoring is required"}
	}
	if err != nil {
		return scoredGroup{}, err
	}
	return scoredGroup{state: g, score: score}, nil
}

func (r *run) scoreProportion(ctx context.Context, g *groupState, subjects []Subject, withSDE bool) (*float64, error) {
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inInitial, err := g.classify(ctx, r, subject, InitialPopulation, "")
		if err != nil {
			return nil, err
		}
		r.prov.collect(r.ec, InitialPopulation)

		if inInitial {
			inDenominator, err := g.classify(ctx, r, subject, Denominator, DenominatorExclusion)
			if err != nil {
				return nil, err
			}
			r.prov.collect(r.ec, Denominator)

			if inDenominator {
				inNumerator, err := g.classify(ctx, r, subject, Numerator, NumeratorExclusion)
				if err != nil {
					return nil, err
				}
				r.prov.collect(r.ec, Numerator)

				if !inNumerator {
					if err := r.applyException(ctx, g, subject); err != nil {
						return nil, err
					}
				}
			}
		}

		if withSDE {
			if err := r.sde.accumulate(ctx, r, subject); err != nil {
				return nil, err
			}
		}
	}

	den, num := g.bucket(Denominator), g.bucket(Numerator)
	if den == nil || num == nil || den.count() == 0 {
		return nil, nil
	}
	score := float64(num.count()) / float64(den.count())
	return &score, nil
}

// applyException moves a denominator subject that qualifies for the
// denominator exception out of the denominator.
func (r *run) applyException(ctx context.Context, g *groupState, subject Subject) error {
	exc := g.bucket(DenominatorException)
	if exc == nil {
		return nil
	}
	den := g.bucket(Denominator)

	resources, err := r.evaluateCriteria(ctx, subject, exc.criteria)
	if err != nil {
		return err
	}
	for _, res := range resources {
		exc.resources.put(res.ResourceID(), res)
		den.resources.remove(res.ResourceID())
	}
	r.prov.qualified(resources)
	r.prov.collect(r.ec, DenominatorException)

	if len(resources) > 0 {
		exc.addSubject(subject)
		den.removeSubject(subject)
	}
	return nil
}

func (r *run) scoreContinuousVariable(ctx context.Context, g *groupState, subjects []Subject, withSDE bool) (*float64, error) {
	var observed []Resource
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inInitial, err := g.classify(ctx, r, subject, InitialPopulation, "")
		if err != nil {
			return nil, err
		}
		r.prov.collect(r.ec, InitialPopulation)

		if inInitial {
			inMeasurePop, err := g.classify(ctx, r, subject, MeasurePopulation, MeasurePopulationExclusion)
			if err != nil {
				return nil, err
			}
			r.prov.collect(r.ec, MeasurePopulation)

			if inMeasurePop {
				resources, err := g.qualify(ctx, r, subject, MeasureObservation)
				if err != nil {
					return nil, err
				}
				observed = append(observed, resources...)
				r.prov.collect(r.ec, MeasureObservation)
			}
		}

		if withSDE {
			if err := r.sde.accumulate(ctx, r, subject); err != nil {
				return nil, err
			}
		}
	}

	// TODO: install a default reducer once the measure model carries the
	// group's aggregate method (sum, average, median).
	if r.reducer == nil || g.bucket(MeasureObservation) == nil {
		return nil, nil
	}
	value, err := r.reducer(ctx, observed, r.ec)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	score, err := cast.ToFloat64E(value)
	if err != nil {
		return nil, &EvaluationTypeError{Expression: "measure-observation reducer", Value: value}
	}
	return &score, nil
}

func (r *run) scoreCohort(ctx context.Context, g *groupState, subjects []Subject, withSDE bool) error {
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := g.classify(ctx, r, subject, InitialPopulation, ""); err != nil {
			return err
		}
		r.prov.collect(r.ec, InitialPopulation)

		if withSDE {
			if err := r.sde.accumulate(ctx, r, subject); err != nil {
				return err
			}
		}
	}
	return nil
}
