package measurereport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo keeps reports in process. It backs servers and CLI runs
// started without a database.
type memoryRepo struct {
	mu    sync.RWMutex
	items []*MeasureReport
	byID  map[string]*MeasureReport
}

func NewMemoryRepo() MeasureReportRepository {
	return &memoryRepo{byID: make(map[string]*MeasureReport)}
}

func (r *memoryRepo) Create(_ context.Context, mr *MeasureReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mr.ID = uuid.New()
	if mr.FHIRID == "" {
		mr.FHIRID = mr.ID.String()
	}
	mr.CreatedAt = time.Now().UTC()
	r.items = append(r.items, mr)
	r.byID[mr.FHIRID] = mr
	return nil
}

func (r *memoryRepo) GetByFHIRID(_ context.Context, fhirID string) (*MeasureReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mr, ok := r.byID[fhirID]
	if !ok {
		return nil, ErrNotFound
	}
	return mr, nil
}

// Search returns matches newest first, like the Postgres repository.
func (r *memoryRepo) Search(_ context.Context, params SearchParams, limit, offset int) ([]*MeasureReport, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*MeasureReport
	for i := len(r.items) - 1; i >= 0; i-- {
		mr := r.items[i]
		if matches(mr, params) {
			matched = append(matched, mr)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*MeasureReport{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func matches(mr *MeasureReport, p SearchParams) bool {
	if p.Measure != "" && mr.MeasureRef != p.Measure {
		return false
	}
	if p.Subject != "" && (mr.SubjectRef == nil || *mr.SubjectRef != p.Subject) {
		return false
	}
	if p.Type != "" && mr.Type != p.Type {
		return false
	}
	if p.Status != "" && mr.Status != p.Status {
		return false
	}
	return true
}
