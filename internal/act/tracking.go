package act

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ooda-engine/internal/domain"
)

// TrackingActive marks a live subscription.
const TrackingActive = "active"

// Subscribe upserts a subscription keyed by email and job id.
func Subscribe(existing []domain.TrackingSubscription, email, jobID string, at time.Time) ([]domain.TrackingSubscription, domain.TrackingSubscription, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	jobID = strings.TrimSpace(jobID)
	if email == "" || jobID == "" {
		return nil, domain.TrackingSubscription{}, fmt.Errorf("email and job id are required: %w", domain.ErrValidation)
	}

	sub := domain.TrackingSubscription{Email: email, JobID: jobID, Status: TrackingActive, CreatedAt: at}
	out := make([]domain.TrackingSubscription, 0, len(existing)+1)
	replaced := false
	for _, s := range existing {
		if s.Email == email && s.JobID == jobID {
			sub.CreatedAt = s.CreatedAt
			out = append(out, sub)
			replaced = true
			continue
		}
		out = append(out, s)
	}
	if !replaced {
		out = append(out, sub)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Email < out[j].Email
	})
	return out, sub, nil
}
