package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/repository"
)

// Skip reasons reported by bulk attendance.
const (
	SkipNotRegistered   = "not_registered"
	SkipWaitlisted      = "waitlisted"
	SkipAlreadyAttended = "already_attended"
	SkipTokenExpired    = "token_expired"
	SkipInvalidUser     = "invalid_user_id"
	SkipFailed          = "failed"
)

// SkippedUser is one user bulk attendance could not mark.
type SkippedUser struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// BulkResult reports the per-user outcome of a bulk attendance run.
type BulkResult struct {
	Marked  []model.Participation
	Skipped []SkippedUser
}

// Verifier validates scanned tokens and performs the redeem-once
// transition.  The transition is a test-and-set in the store gated on the
// token being unused at write time.
type Verifier struct {
	store repository.ParticipationStore
	retry retrier
}

// Redeem marks the holder of token as attended.
func (v *Verifier) Redeem(ctx context.Context, token, scannedBy string, now time.Time) (model.Participation, error) {
	if strings.TrimSpace(token) == "" {
		return model.Participation{}, repository.ErrTokenNotFound
	}
	return retryValue(ctx, v.retry, "redeem", func() (model.Participation, error) {
		return v.store.Redeem(ctx, repository.RedeemInput{Token: token, ScannedBy: scannedBy, Now: now})
	})
}

// RedeemBulk redeems each user's current token for eventID.  It is a
// best-effort batch: one user's failure is reported and the rest proceed.
// Duplicate ids are processed once.
func (v *Verifier) RedeemBulk(ctx context.Context, eventID string, userIDs []string, scannedBy string, now time.Time) BulkResult {
	res := BulkResult{Marked: []model.Participation{}, Skipped: []SkippedUser{}}
	seen := make(map[string]struct{}, len(userIDs))
	for _, raw := range userIDs {
		uid := strings.TrimSpace(raw)
		if uid == "" {
			res.Skipped = append(res.Skipped, SkippedUser{UserID: raw, Reason: SkipInvalidUser})
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		p, err := retryValue(ctx, v.retry, "bulk_attend", func() (model.Participation, error) {
			return v.redeemUser(ctx, eventID, uid, scannedBy, now)
		})
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedUser{UserID: uid, Reason: skipReason(err)})
			continue
		}
		res.Marked = append(res.Marked, p)
	}
	return res
}

// redeemUser redeems with the token the record holds right now.  If the
// token is rotated between the read and the write, the redeem misses and
// the attempt is reported as a conflict so it is retried with a fresh read.
func (v *Verifier) redeemUser(ctx context.Context, eventID, userID, scannedBy string, now time.Time) (model.Participation, error) {
	rec, err := v.store.GetByEventAndUser(ctx, eventID, userID)
	if err != nil {
		return model.Participation{}, err
	}
	switch rec.Status {
	case model.StatusWaitlisted:
		return rec, repository.ErrWaitlisted
	case model.StatusAttended:
		return rec, repository.ErrTokenAlreadyUsed
	}
	p, err := v.store.Redeem(ctx, repository.RedeemInput{Token: rec.QRCode.Token, ScannedBy: scannedBy, Now: now})
	if errors.Is(err, repository.ErrTokenNotFound) {
		return p, repository.ErrStorageConflict
	}
	return p, err
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotRegistered):
		return SkipNotRegistered
	case errors.Is(err, repository.ErrWaitlisted):
		return SkipWaitlisted
	case errors.Is(err, repository.ErrTokenAlreadyUsed):
		return SkipAlreadyAttended
	case errors.Is(err, repository.ErrTokenExpired):
		return SkipTokenExpired
	}
	return SkipFailed
}
