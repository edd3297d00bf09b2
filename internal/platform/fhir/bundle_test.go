package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewSearchBundle(t *testing.T) {
	resources := []interface{}{
		map[string]interface{}{"id": "1", "resourceType": "MeasureReport"},
		map[string]interface{}{"id": "2", "resourceType": "MeasureReport"},
	}

	bundle := NewSearchBundle(resources, 10,
		BundleLink{Relation: "self", URL: "/fhir/MeasureReport?_count=2&_offset=0"},
		BundleLink{Relation: "next", URL: "/fhir/MeasureReport?_count=2&_offset=2"})

	if bundle.ResourceType != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %s", bundle.ResourceType)
	}
	if bundle.Type != "searchset" {
		t.Errorf("expected type searchset, got %s", bundle.Type)
	}
	if *bundle.Total != 10 {
		t.Errorf("expected total 10, got %d", *bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if bundle.Entry[0].Search == nil || bundle.Entry[0].Search.Mode != "match" {
		t.Error("expected search mode 'match'")
	}
	if bundle.Entry[1].FullURL != "MeasureReport/2" {
		t.Errorf("expected fullUrl 'MeasureReport/2', got '%s'", bundle.Entry[1].FullURL)
	}
	if len(bundle.Link) != 2 || bundle.Link[1].Relation != "next" {
		t.Errorf("expected self and next links, got %+v", bundle.Link)
	}
}

func TestNewSearchBundle_ObjectEntries(t *testing.T) {
	bundle := NewSearchBundle([]interface{}{Object{"resourceType": "Measure", "id": "cms122"}}, 1)

	if bundle.Entry[0].FullURL != "Measure/cms122" {
		t.Errorf("expected fullUrl 'Measure/cms122', got '%s'", bundle.Entry[0].FullURL)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(bundle.Entry[0].Resource, &decoded); err != nil {
		t.Fatalf("entry resource is not JSON: %v", err)
	}
	if decoded["id"] != "cms122" {
		t.Errorf("expected id cms122, got %v", decoded["id"])
	}
}

func TestNewSearchBundle_Empty(t *testing.T) {
	bundle := NewSearchBundle(nil, 0)
	if len(bundle.Entry) != 0 {
		t.Errorf("expected 0 entries, got %d", len(bundle.Entry))
	}
	if *bundle.Total != 0 {
		t.Errorf("expected total 0, got %d", *bundle.Total)
	}
}

func TestBundleResources(t *testing.T) {
	body := map[string]interface{}{
		"resourceType": "Bundle",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Patient", "id": "p1"}},
			map[string]interface{}{"fullUrl": "urn:uuid:no-resource"},
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Condition", "id": "c1"}},
		},
	}

	got, err := BundleResources(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(got))
	}
	if got[1].ResourceType() != "Condition" || got[1].ResourceID() != "c1" {
		t.Errorf("unexpected second resource %v", got[1])
	}

	if _, err := BundleResources(map[string]interface{}{"resourceType": "Patient"}); err == nil {
		t.Error("expected error for non-Bundle body")
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "p1"); got != "Patient/p1" {
		t.Errorf("expected Patient/p1, got %s", got)
	}
}
