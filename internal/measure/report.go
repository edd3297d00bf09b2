package measure

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FHIRVersion selects the MeasureReport rendering.
type FHIRVersion string

const (
	FHIRVersionR4    FHIRVersion = "R4"
	FHIRVersionDSTU3 FHIRVersion = "DSTU3"
)

// ParseFHIRVersion accepts "R4" and "DSTU3" in any case.
func ParseFHIRVersion(s string) (FHIRVersion, error) {
	switch strings.ToUpper(s) {
	case "R4", "":
		return FHIRVersionR4, nil
	case "DSTU3", "STU3":
		return FHIRVersionDSTU3, nil
	}
	return "", fmt.Errorf("unsupported FHIR version %q", s)
}

// Report is a generated measure report.
type Report struct {
	ID      string
	Status  string
	Type    ReportType
	Measure string
	// Subject is set only for individual reports with a subject.
	Subject           string
	Period            Interval
	Groups            []ReportGroup
	Contained         []map[string]interface{}
	EvaluatedResource []string
}

// ReportGroup is the result of one measure group.
type ReportGroup struct {
	ID          string
	Populations []ReportPopulation
	Score       *float64
}

// ReportPopulation is a population count. SubjectResults is the local
// reference of the contained subject List on subject-list reports.
type ReportPopulation struct {
	Code           PopulationType
	Count          int
	SubjectResults string
}

// Population returns the entry for pt, or false when the group did not
// report it.
func (g *ReportGroup) Population(pt PopulationType) (ReportPopulation, bool) {
	for _, p := range g.Populations {
		if p.Code == pt {
			return p, true
		}
	}
	return ReportPopulation{}, false
}

// ContainedByID returns the contained resource with the given id, accepting
// the "#<id>" local reference form.
func (r *Report) ContainedByID(id string) (map[string]interface{}, bool) {
	id = strings.TrimPrefix(id, "#")
	for _, c := range r.Contained {
		if c["id"] == id {
			return c, true
		}
	}
	return nil, false
}

// scoredGroup is a finished group waiting for report assembly.
type scoredGroup struct {
	state *groupState
	score *float64
}

// assembleReport turns the finished evaluation state into a report.
func assembleReport(r *run, subjects []Subject, groups []scoredGroup) *Report {
	report := &Report{
		ID:      r.newID(),
		Status:  "complete",
		Type:    r.reportType,
		Measure: r.measure.Reference(),
		Period:  r.period,
	}
	if r.reportType == ReportIndividual && len(subjects) > 0 {
		report.Subject = subjectReference(subjects[0])
	}

	for _, g := range groups {
		rg := ReportGroup{ID: g.state.id, Score: g.score}
		for _, pt := range reportedPopulations {
			b := g.state.bucket(pt)
			if b == nil {
				continue
			}
			pop := ReportPopulation{Code: pt, Count: b.count()}
			if r.reportType == ReportSubjectList && b.subjects != nil {
				list := subjectList(r.newID(), b.subjects.values())
				report.Contained = append(report.Contained, list)
				pop.SubjectResults = "#" + list["id"].(string)
			}
			rg.Populations = append(rg.Populations, pop)
		}
		report.Groups = append(report.Groups, rg)
	}

	for _, key := range r.prov.resources.keys {
		report.EvaluatedResource = append(report.EvaluatedResource, "#"+key)
	}
	for _, pt := range r.prov.codes() {
		keys := r.prov.byCode[pt]
		entries := make([]interface{}, 0, keys.len())
		for _, key := range keys.keys {
			entries = append(entries, map[string]interface{}{
				"item": map[string]interface{}{"reference": "#" + key},
			})
		}
		id := r.newID()
		report.Contained = append(report.Contained, map[string]interface{}{
			"resourceType": "List",
			"id":           id,
			"status":       "current",
			"mode":         "working",
			"title":        string(pt),
			"entry":        entries,
		})
		report.EvaluatedResource = append(report.EvaluatedResource, "#"+id)
	}

	var sdeRefs []string
	r.sde.counts.each(func(key string, values *orderedMap[int]) {
		values.each(func(code string, n int) {
			id := r.newID()
			report.Contained = append(report.Contained, map[string]interface{}{
				"resourceType": "Observation",
				"id":           id,
				"status":       "final",
				"code": map[string]interface{}{
					"text": key,
					"coding": []interface{}{
						map[string]interface{}{"code": code},
					},
				},
				"valueString": strconv.Itoa(n),
			})
			sdeRefs = append(sdeRefs, "#"+id)
		})
	})
	if len(sdeRefs) > 0 {
		report.EvaluatedResource = append(sdeRefs, report.EvaluatedResource...)
	}
	return report
}

func subjectList(id string, subjects []Subject) map[string]interface{} {
	entries := make([]interface{}, 0, len(subjects))
	for _, s := range subjects {
		item := map[string]interface{}{"reference": subjectReference(s)}
		if d := s.DisplayName(); d != "" {
			item["display"] = d
		}
		entries = append(entries, map[string]interface{}{"item": item})
	}
	return map[string]interface{}{
		"resourceType": "List",
		"id":           id,
		"status":       "current",
		"mode":         "snapshot",
		"entry":        entries,
	}
}

func subjectReference(s Subject) string {
	id := s.ResourceID()
	if strings.HasPrefix(id, "Patient/") {
		return id
	}
	return "Patient/" + id
}

// ToFHIR renders the report as a FHIR MeasureReport for the given version.
// R4 and DSTU3 differ only in field names and the subject-list type code.
func (r *Report) ToFHIR(version FHIRVersion) map[string]interface{} {
	dstu3 := version == FHIRVersionDSTU3

	reportType := string(r.Type)
	if dstu3 && r.Type == ReportSubjectList {
		reportType = "patient-list"
	}
	result := map[string]interface{}{
		"resourceType": "MeasureReport",
		"id":           r.ID,
		"status":       r.Status,
		"type":         reportType,
		"period": map[string]interface{}{
			"start": r.Period.Start.Format(time.RFC3339),
			"end":   r.Period.End.Format(time.RFC3339),
		},
	}
	if dstu3 {
		result["measure"] = map[string]interface{}{"reference": r.Measure}
	} else {
		result["measure"] = r.Measure
	}
	if r.Subject != "" {
		field := "subject"
		if dstu3 {
			field = "patient"
		}
		result[field] = map[string]interface{}{"reference": r.Subject}
	}

	if len(r.Groups) > 0 {
		groups := make([]interface{}, 0, len(r.Groups))
		for _, g := range r.Groups {
			gMap := map[string]interface{}{}
			if g.ID != "" {
				if dstu3 {
					gMap["identifier"] = map[string]interface{}{"value": g.ID}
				} else {
					gMap["id"] = g.ID
				}
			}
			if len(g.Populations) > 0 {
				pops := make([]interface{}, 0, len(g.Populations))
				for _, p := range g.Populations {
					popMap := map[string]interface{}{
						"code": map[string]interface{}{
							"coding": []interface{}{
								map[string]interface{}{
									"system": "http://terminology.hl7.org/CodeSystem/measure-population",
									"code":   string(p.Code),
								},
							},
						},
						"count": p.Count,
					}
					if p.SubjectResults != "" {
						field := "subjectResults"
						if dstu3 {
							field = "patients"
						}
						popMap[field] = map[string]interface{}{"reference": p.SubjectResults}
					}
					pops = append(pops, popMap)
				}
				gMap["population"] = pops
			}
			if g.Score != nil {
				if dstu3 {
					gMap["measureScore"] = *g.Score
				} else {
					gMap["measureScore"] = map[string]interface{}{"value": *g.Score}
				}
			}
			groups = append(groups, gMap)
		}
		result["group"] = groups
	}

	if len(r.Contained) > 0 {
		contained := make([]interface{}, 0, len(r.Contained))
		for _, c := range r.Contained {
			contained = append(contained, c)
		}
		result["contained"] = contained
	}
	if len(r.EvaluatedResource) > 0 {
		refs := make([]interface{}, 0, len(r.EvaluatedResource))
		for _, ref := range r.EvaluatedResource {
			refs = append(refs, map[string]interface{}{"reference": ref})
		}
		if dstu3 {
			// DSTU3 MeasureReport has no reference list for evaluated
			// resources, so they travel as extensions.
			exts := make([]interface{}, 0, len(refs))
			for _, ref := range refs {
				exts = append(exts, map[string]interface{}{
					"url":            evaluatedResourceExtension,
					"valueReference": ref,
				})
			}
			result["extension"] = exts
		} else {
			result["evaluatedResource"] = refs
		}
	}
	return result
}

const evaluatedResourceExtension = "http://hl7.org/fhir/StructureDefinition/cqf-evaluatedResource"
