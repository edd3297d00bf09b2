package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Object is a FHIR resource held as decoded JSON.
type Object map[string]interface{}

// ResourceType returns the resourceType element.
func (o Object) ResourceType() string { return o.String("resourceType") }

// ResourceID returns the logical id.
func (o Object) ResourceID() string { return o.String("id") }

// DisplayName joins the first name's given and family parts, preferring the
// name's text when present. Non-person resources yield "".
func (o Object) DisplayName() string {
	names, _ := o["name"].([]interface{})
	if len(names) == 0 {
		return ""
	}
	name, _ := names[0].(map[string]interface{})
	if name == nil {
		return ""
	}
	if text, _ := name["text"].(string); text != "" {
		return text
	}
	var parts []string
	given, _ := name["given"].([]interface{})
	for _, g := range given {
		if s, _ := g.(string); s != "" {
			parts = append(parts, s)
		}
	}
	if family, _ := name["family"].(string); family != "" {
		parts = append(parts, family)
	}
	return strings.Join(parts, " ")
}

// String returns a top-level string element or "".
func (o Object) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// Reference returns the reference string of a Reference element, or of the
// first element when the value is a list of references.
func (o Object) Reference(key string) string {
	switch v := o[key].(type) {
	case map[string]interface{}:
		ref, _ := v["reference"].(string)
		return ref
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if ref, _ := m["reference"].(string); ref != "" {
					return ref
				}
			}
		}
	}
	return ""
}

// References returns every reference string of a Reference or list element.
func (o Object) References(key string) []string {
	switch v := o[key].(type) {
	case map[string]interface{}:
		if ref, _ := v["reference"].(string); ref != "" {
			return []string{ref}
		}
	case []interface{}:
		var out []string
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if ref, _ := m["reference"].(string); ref != "" {
					out = append(out, ref)
				}
			}
		}
		return out
	}
	return nil
}

// PatientID returns the id of the patient a clinical resource belongs to,
// read from its subject, patient or beneficiary reference.
func (o Object) PatientID() string {
	for _, key := range []string{"subject", "patient", "beneficiary"} {
		if ref := o.Reference(key); strings.HasPrefix(ref, "Patient/") {
			return ReferenceID(ref)
		}
	}
	return ""
}

// Codings returns the codings of a CodeableConcept element.
func (o Object) Codings(key string) []Coding {
	cc, _ := o[key].(map[string]interface{})
	if cc == nil {
		return nil
	}
	raw, _ := cc["coding"].([]interface{})
	out := make([]Coding, 0, len(raw))
	for _, c := range raw {
		m, _ := c.(map[string]interface{})
		if m == nil {
			continue
		}
		coding := Coding{}
		coding.System, _ = m["system"].(string)
		coding.Code, _ = m["code"].(string)
		coding.Display, _ = m["display"].(string)
		out = append(out, coding)
	}
	return out
}

// HasCodePrefix reports whether the "code" element carries a coding whose
// code starts with prefix.
func (o Object) HasCodePrefix(prefix string) bool {
	for _, c := range o.Codings("code") {
		if strings.HasPrefix(c.Code, prefix) {
			return true
		}
	}
	return false
}

// ClinicalTime returns the instant a clinical resource is anchored at: the
// first of effective[x], onset[x], performed[x], period.start, authoredOn,
// occurrenceDateTime, issued or recordedDate that parses.
func (o Object) ClinicalTime() (time.Time, bool) {
	for _, key := range []string{
		"effectiveDateTime", "effectiveInstant", "onsetDateTime", "performedDateTime",
		"authoredOn", "occurrenceDateTime", "issued", "recordedDate",
	} {
		if t, err := ParseFlexDate(o.String(key)); err == nil {
			return t, true
		}
	}
	for _, key := range []string{"effectivePeriod", "onsetPeriod", "performedPeriod", "period"} {
		p, _ := o[key].(map[string]interface{})
		if p == nil {
			continue
		}
		if s, _ := p["start"].(string); s != "" {
			if t, err := ParseFlexDate(s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// DecodeObject unmarshals a JSON document into an Object.
func DecodeObject(data []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}
