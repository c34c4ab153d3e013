package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/iliyamo/event-rsvp/internal/model"
)

// eventBucket holds every participation record of one event.  Its mutex is
// the per-event lock: capacity decisions, promotions, redemptions and token
// swaps for the event run under it, and unrelated events never contend.
type eventBucket struct {
	mu      sync.Mutex
	records map[string]*model.Participation // keyed by user id
}

type tokenRef struct {
	eventID string
	userID  string
}

// MemoryParticipationStore is a process-local ParticipationStore.  It is
// used in development (STORE_DRIVER=memory) and as the reference
// implementation in tests.  It does not survive restarts and must not be
// shared between instances.
type MemoryParticipationStore struct {
	events *xsync.Map[string, *eventBucket]
	tokens *xsync.Map[string, tokenRef]
	seq    atomic.Int64
}

// NewMemoryParticipationStore returns an empty in-memory store.
func NewMemoryParticipationStore() *MemoryParticipationStore {
	return &MemoryParticipationStore{
		events: xsync.NewMap[string, *eventBucket](),
		tokens: xsync.NewMap[string, tokenRef](),
	}
}

func (s *MemoryParticipationStore) bucket(eventID string) *eventBucket {
	if b, ok := s.events.Load(eventID); ok {
		return b
	}
	b, _ := s.events.LoadOrStore(eventID, &eventBucket{records: make(map[string]*model.Participation)})
	return b
}

func (b *eventBucket) occupied() int {
	n := 0
	for _, r := range b.records {
		if r.Status.OccupiesSeat() {
			n++
		}
	}
	return n
}

func (b *eventBucket) oldestWaitlisted() *model.Participation {
	var head *model.Participation
	for _, r := range b.records {
		if r.Status != model.StatusWaitlisted {
			continue
		}
		if head == nil || r.Before(*head) {
			head = r
		}
	}
	return head
}

// indexToken claims token in the global index.  A collision is reported as
// a conflict so the caller retries with a freshly minted token.
func (s *MemoryParticipationStore) indexToken(token string, ref tokenRef) error {
	if _, loaded := s.tokens.LoadOrStore(token, ref); loaded {
		return fmt.Errorf("token collision: %w", ErrStorageConflict)
	}
	return nil
}

// Admit implements ParticipationStore.
func (s *MemoryParticipationStore) Admit(ctx context.Context, in AdmitInput) (model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.Mint == nil {
		return model.Participation{}, ErrInvalidInput
	}
	b := s.bucket(in.EventID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.Participation{}, err
	}
	if _, exists := b.records[in.UserID]; exists {
		return model.Participation{}, ErrAlreadyRegistered
	}
	id, err := newParticipationID(in.Now)
	if err != nil {
		return model.Participation{}, err
	}
	rec := &model.Participation{
		ID:        id,
		EventID:   in.EventID,
		UserID:    in.UserID,
		Status:    model.StatusWaitlisted,
		CreatedAt: in.Now.UTC(),
	}
	if b.occupied() < capacityOrUnlimited(in.Capacity) {
		q, err := in.Mint()
		if err != nil {
			return model.Participation{}, err
		}
		if err := s.indexToken(q.Token, tokenRef{in.EventID, in.UserID}); err != nil {
			return model.Participation{}, err
		}
		rec.Status = model.StatusRegistered
		rec.QRCode = q
	}
	rec.Seq = s.seq.Add(1)
	b.records[in.UserID] = rec
	return cloneParticipation(rec), nil
}

// promoteLocked fills free seats from the head of the waitlist.  The
// caller holds b.mu.  On error every promotion made by this call is
// undone, matching a rolled back transaction.
func (s *MemoryParticipationStore) promoteLocked(b *eventBucket, capacity, limit int, mint MintFunc) ([]model.Participation, error) {
	type undo struct {
		rec  *model.Participation
		prev model.QRCode
	}
	var (
		promoted []model.Participation
		done     []undo
	)
	rollback := func() {
		for _, u := range done {
			s.tokens.Delete(u.rec.QRCode.Token)
			u.rec.Status = model.StatusWaitlisted
			u.rec.QRCode = u.prev
		}
	}
	seats := capacityOrUnlimited(capacity)
	for limit <= 0 || len(promoted) < limit {
		if b.occupied() >= seats {
			break
		}
		head := b.oldestWaitlisted()
		if head == nil {
			break
		}
		q, err := mint()
		if err != nil {
			rollback()
			return nil, err
		}
		if err := s.indexToken(q.Token, tokenRef{head.EventID, head.UserID}); err != nil {
			rollback()
			return nil, err
		}
		done = append(done, undo{rec: head, prev: head.QRCode})
		q.Version = head.QRCode.Version + 1
		head.Status = model.StatusRegistered
		head.QRCode = q
		promoted = append(promoted, cloneParticipation(head))
	}
	return promoted, nil
}

// CancelAndPromote implements ParticipationStore.
func (s *MemoryParticipationStore) CancelAndPromote(ctx context.Context, in CancelInput) (model.Participation, *model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.Mint == nil {
		return model.Participation{}, nil, ErrInvalidInput
	}
	b, ok := s.events.Load(in.EventID)
	if !ok {
		return model.Participation{}, nil, ErrNotRegistered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.Participation{}, nil, err
	}
	rec, ok := b.records[in.UserID]
	if !ok {
		return model.Participation{}, nil, ErrNotRegistered
	}
	// Promotion happens under the same lock as the delete, so a failed
	// mint restores the cancelled record rather than losing a seat.
	delete(b.records, in.UserID)
	promoted, err := s.promoteLocked(b, in.Capacity, 1, in.Mint)
	if err != nil {
		b.records[in.UserID] = rec
		return model.Participation{}, nil, err
	}
	if rec.QRCode.Token != "" {
		s.tokens.Delete(rec.QRCode.Token)
	}
	if len(promoted) == 0 {
		return cloneParticipation(rec), nil, nil
	}
	return cloneParticipation(rec), &promoted[0], nil
}

// PromoteAvailable implements ParticipationStore.
func (s *MemoryParticipationStore) PromoteAvailable(ctx context.Context, in PromoteInput) ([]model.Participation, error) {
	if in.EventID == "" || in.Mint == nil {
		return nil, ErrInvalidInput
	}
	b, ok := s.events.Load(in.EventID)
	if !ok {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.promoteLocked(b, in.Capacity, in.Limit, in.Mint)
}

// Redeem implements ParticipationStore.
func (s *MemoryParticipationStore) Redeem(ctx context.Context, in RedeemInput) (model.Participation, error) {
	if in.Token == "" {
		return model.Participation{}, ErrTokenNotFound
	}
	ref, ok := s.tokens.Load(in.Token)
	if !ok {
		return model.Participation{}, ErrTokenNotFound
	}
	b, ok := s.events.Load(ref.eventID)
	if !ok {
		return model.Participation{}, ErrTokenNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.Participation{}, err
	}
	rec, ok := b.records[ref.userID]
	if !ok || rec.QRCode.Token != in.Token {
		// rotated away or cancelled between the index lookup and the lock
		return model.Participation{}, ErrTokenNotFound
	}
	if rec.Status != model.StatusRegistered || rec.QRCode.IsUsed || rec.QRCode.Expired(in.Now) {
		return model.Participation{}, classifyRedeemMiss(*rec, in.Now)
	}
	usedAt := in.Now.UTC()
	rec.Status = model.StatusAttended
	rec.Attended = true
	rec.QRCode.IsUsed = true
	rec.QRCode.UsedAt = &usedAt
	rec.QRCode.UsedBy = in.ScannedBy
	return cloneParticipation(rec), nil
}

// RotateToken implements ParticipationStore.
func (s *MemoryParticipationStore) RotateToken(ctx context.Context, in RotateInput) (model.Participation, error) {
	if !validPair(in.EventID, in.UserID) || in.New.Token == "" {
		return model.Participation{}, ErrInvalidInput
	}
	b, ok := s.events.Load(in.EventID)
	if !ok {
		return model.Participation{}, ErrNotRegistered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.Participation{}, err
	}
	rec, ok := b.records[in.UserID]
	if !ok {
		return model.Participation{}, ErrNotRegistered
	}
	if rec.Status != model.StatusRegistered || rec.QRCode.Token != in.OldToken {
		return model.Participation{}, classifyRotateMiss(*rec)
	}
	if err := s.indexToken(in.New.Token, tokenRef{in.EventID, in.UserID}); err != nil {
		return model.Participation{}, err
	}
	s.tokens.Delete(in.OldToken)
	q := in.New
	q.IsUsed = false
	q.UsedAt = nil
	q.UsedBy = ""
	rec.QRCode = q
	return cloneParticipation(rec), nil
}

// GetByEventAndUser implements ParticipationStore.
func (s *MemoryParticipationStore) GetByEventAndUser(ctx context.Context, eventID, userID string) (model.Participation, error) {
	b, ok := s.events.Load(eventID)
	if !ok {
		return model.Participation{}, ErrNotRegistered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[userID]
	if !ok {
		return model.Participation{}, ErrNotRegistered
	}
	return cloneParticipation(rec), nil
}

// GetByToken implements ParticipationStore.
func (s *MemoryParticipationStore) GetByToken(ctx context.Context, token string) (model.Participation, error) {
	ref, ok := s.tokens.Load(token)
	if !ok {
		return model.Participation{}, ErrTokenNotFound
	}
	rec, err := s.GetByEventAndUser(ctx, ref.eventID, ref.userID)
	if err != nil || rec.QRCode.Token != token {
		return model.Participation{}, ErrTokenNotFound
	}
	return rec, nil
}

// ListByEvent implements ParticipationStore.  An empty status lists every
// record.  Results are in FIFO order.
func (s *MemoryParticipationStore) ListByEvent(ctx context.Context, eventID string, status model.Status) ([]model.Participation, error) {
	b, ok := s.events.Load(eventID)
	if !ok {
		return []model.Participation{}, nil
	}
	b.mu.Lock()
	out := make([]model.Participation, 0, len(b.records))
	for _, r := range b.records {
		if status == "" || r.Status == status {
			out = append(out, cloneParticipation(r))
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Stats implements ParticipationStore.
func (s *MemoryParticipationStore) Stats(ctx context.Context, eventID string) (model.EventStats, error) {
	st := model.EventStats{EventID: eventID}
	b, ok := s.events.Load(eventID)
	if !ok {
		return st, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.records {
		switch r.Status {
		case model.StatusRegistered:
			st.Registered++
		case model.StatusWaitlisted:
			st.Waitlisted++
		case model.StatusAttended:
			st.Attended++
		}
	}
	return st, nil
}

// Ping implements ParticipationStore.
func (s *MemoryParticipationStore) Ping(context.Context) error { return nil }

func cloneParticipation(p *model.Participation) model.Participation {
	out := *p
	if p.QRCode.UsedAt != nil {
		t := *p.QRCode.UsedAt
		out.QRCode.UsedAt = &t
	}
	return out
}

var _ ParticipationStore = (*MemoryParticipationStore)(nil)
