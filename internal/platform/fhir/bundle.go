package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ehr/cqm/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle builds a searchset Bundle holding one page of a search.
// Entries get a relative fullUrl when the resource has a type and id.
func NewSearchBundle(resources []interface{}, total int, links ...BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  fullURL(r),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// PageLinks converts paging links for a search over basePath into Bundle
// links.
func PageLinks(pg pagination.Params, basePath string, filters url.Values, total int) []BundleLink {
	links := pg.Links(basePath, filters, total)
	out := make([]BundleLink, len(links))
	for i, l := range links {
		out[i] = BundleLink{Relation: l.Relation, URL: l.URL}
	}
	return out
}

// BundleResources returns the entry resources of a decoded Bundle. Entries
// without a resource are skipped.
func BundleResources(body map[string]interface{}) ([]Object, error) {
	if rt, _ := body["resourceType"].(string); rt != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got resourceType %q", rt)
	}
	entries, _ := body["entry"].([]interface{})
	out := make([]Object, 0, len(entries))
	for _, entry := range entries {
		eMap, _ := entry.(map[string]interface{})
		if eMap == nil {
			continue
		}
		res, _ := eMap["resource"].(map[string]interface{})
		if res == nil {
			continue
		}
		out = append(out, Object(res))
	}
	return out, nil
}

func fullURL(r interface{}) string {
	var o Object
	switch v := r.(type) {
	case Object:
		o = v
	case map[string]interface{}:
		o = v
	default:
		return ""
	}
	if rt, id := o.ResourceType(), o.ResourceID(); rt != "" && id != "" {
		return FormatReference(rt, id)
	}
	return ""
}

// FormatReference builds a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
