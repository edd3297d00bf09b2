package measure

import (
	"encoding/base64"
	"fmt"
	"strings"

	engine "github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
)

const cqlContentType = "text/cql"

// ParseMeasure reads the parts of a FHIR Measure (R4 or DSTU3) the engine
// evaluates. Scoring is copied as given; the engine rejects unknown codes.
func ParseMeasure(resource fhir.Object) (*engine.Measure, error) {
	if rt := resource.ResourceType(); rt != "Measure" {
		return nil, fmt.Errorf("expected a Measure, got resourceType %q", rt)
	}
	m := &engine.Measure{
		ID:           resource.ResourceID(),
		ResourceType: "Measure",
		URL:          resource.String("url"),
		Name:         resource.String("name"),
		Title:        resource.String("title"),
		Library:      libraryRefs(resource["library"]),
	}
	if codings := resource.Codings("scoring"); len(codings) > 0 {
		m.Scoring = engine.Scoring(codings[0].Code)
	}

	for i, raw := range asList(resource["group"]) {
		g := fhir.Object(asMap(raw))
		group := engine.Group{ID: g.String("id")}
		for j, rawPop := range asList(g["population"]) {
			pop := fhir.Object(asMap(rawPop))
			codings := pop.Codings("code")
			if len(codings) == 0 {
				return nil, fmt.Errorf("group[%d].population[%d]: missing code", i, j)
			}
			group.Populations = append(group.Populations, engine.PopulationCriteria{
				Code:       codings[0].Code,
				Expression: criteria(pop["criteria"]),
			})
		}
		m.Groups = append(m.Groups, group)
	}

	for i, raw := range asList(resource["supplementalData"]) {
		sde := fhir.Object(asMap(raw))
		code := codeText(sde)
		if code == "" {
			return nil, fmt.Errorf("supplementalData[%d]: missing code", i)
		}
		m.SupplementalData = append(m.SupplementalData, engine.SupplementalData{
			ID:         sde.String("id"),
			Code:       code,
			Expression: criteria(sde["criteria"]),
		})
	}
	return m, nil
}

// criteria reads an R4 Expression ({"expression": ...}) or a DSTU3 string.
func criteria(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case map[string]interface{}:
		s, _ := c["expression"].(string)
		return s
	}
	return ""
}

// codeText is the SDE accumulator key: code.text, else the first coding.
func codeText(sde fhir.Object) string {
	cc := asMap(sde["code"])
	if text, _ := cc["text"].(string); text != "" {
		return text
	}
	if codings := sde.Codings("code"); len(codings) > 0 {
		return codings[0].Code
	}
	return ""
}

// libraryRefs accepts R4 canonical strings and DSTU3 Reference objects.
func libraryRefs(v interface{}) []string {
	var out []string
	for _, item := range asList(v) {
		switch ref := item.(type) {
		case string:
			out = append(out, ref)
		case map[string]interface{}:
			if s, _ := ref["reference"].(string); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// LibraryName reduces a library canonical or reference to the name it is
// registered under: "http://x/Library/Diabetes|1.0" becomes "Diabetes".
func LibraryName(ref string) string {
	ref, _, _ = strings.Cut(ref, "|")
	return fhir.ReferenceID(ref)
}

// LibraryCQL returns the decoded text/cql content of a Library resource.
func LibraryCQL(lib fhir.Object) (string, bool) {
	for _, raw := range asList(lib["content"]) {
		att := asMap(raw)
		if ct, _ := att["contentType"].(string); ct != cqlContentType {
			continue
		}
		data, _ := att["data"].(string)
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

// containedLibrary looks for CQL in a Library carried in Measure.contained.
func containedLibrary(resource fhir.Object) (string, bool) {
	for _, raw := range asList(resource["contained"]) {
		lib := fhir.Object(asMap(raw))
		if lib.ResourceType() != "Library" {
			continue
		}
		if src, ok := LibraryCQL(lib); ok {
			return src, true
		}
	}
	return "", false
}

func asList(v interface{}) []interface{} {
	list, _ := v.([]interface{})
	return list
}

func asMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case fhir.Object:
		return m
	}
	return nil
}
