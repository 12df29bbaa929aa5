package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"senscast/identity"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("records: not found")

	// ErrInvalidTransition indicates a referral status update that would
	// move the record backwards or skip a state.
	ErrInvalidTransition = errors.New("records: invalid status transition")
)

// Store is the durable structured store for recordings and referrals.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and applies migrations. Supported
// drivers are "sqlite" and "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("sqlite dsn required")
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureParticipant creates the identity row for the address if it does not
// exist yet. Idempotent.
func (s *Store) EnsureParticipant(ctx context.Context, addr identity.Address) error {
	participant := Participant{Address: addr.String()}
	err := s.db.WithContext(ctx).
		Where(Participant{Address: addr.String()}).
		FirstOrCreate(&participant).Error
	if err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}
	return nil
}

// CreateRecording inserts the durable metadata row for an upload.
func (s *Store) CreateRecording(ctx context.Context, rec Recording) (Recording, error) {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Recording{}, fmt.Errorf("create recording: %w", err)
	}
	return rec, nil
}

// GetRecording loads a recording by id.
func (s *Store) GetRecording(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// MarkRewarded flips the rewarded flag false to true. The flag is monotone:
// marking an already rewarded recording is a no-op.
func (s *Store) MarkRewarded(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Recording{}).
		Where("id = ? AND rewarded = ?", id, false).
		Update("rewarded", true)
	if res.Error != nil {
		return fmt.Errorf("mark rewarded: %w", res.Error)
	}
	return nil
}

// SetVerified marks a recording verified and clears the flagged bit; the two
// moderation flags are mutually exclusive.
func (s *Store) SetVerified(ctx context.Context, id string) error {
	return s.setModeration(ctx, id, map[string]any{"verified": true, "flagged": false})
}

// SetFlagged marks a recording flagged and clears the verified bit.
func (s *Store) SetFlagged(ctx context.Context, id string) error {
	return s.setModeration(ctx, id, map[string]any{"flagged": true, "verified": false})
}

func (s *Store) setModeration(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Recording{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update moderation flags: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecordings returns the participant's recordings, newest first.
func (s *Store) ListRecordings(ctx context.Context, participant identity.Address, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Recording
	err := s.db.WithContext(ctx).
		Where("participant_id = ?", participant.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

// ModerationFilter selects the moderation view.
type ModerationFilter string

// Moderation views exposed to reviewers.
const (
	FilterFlagged  ModerationFilter = "flagged"
	FilterVerified ModerationFilter = "verified"
)

// ListModeration returns recordings matching a moderation view, newest first.
func (s *Store) ListModeration(ctx context.Context, filter ModerationFilter, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	switch filter {
	case FilterFlagged:
		query = query.Where("flagged = ?", true)
	case FilterVerified:
		query = query.Where("verified = ?", true)
	default:
		return nil, fmt.Errorf("unknown moderation filter %q", filter)
	}
	var recs []Recording
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list moderation: %w", err)
	}
	return recs, nil
}

// CreateReferralIfAbsent inserts a pending referral for the referred wallet
// unless one already exists. The unique index on referred_id makes repeated
// link visits a no-op; the first referrer wins. Returns whether a row was
// created.
func (s *Store) CreateReferralIfAbsent(ctx context.Context, referrer, referred identity.Address) (bool, error) {
	referral := Referral{
		ReferrerID: referrer.String(),
		ReferredID: referred.String(),
		Status:     StatusPending,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referred_id"}},
			DoNothing: true,
		}).
		Create(&referral)
	if res.Error != nil {
		return false, fmt.Errorf("create referral: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetReferral loads a referral row by id.
func (s *Store) GetReferral(ctx context.Context, id string) (Referral, error) {
	var ref Referral
	err := s.db.WithContext(ctx).First(&ref, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Referral{}, ErrNotFound
	}
	if err != nil {
		return Referral{}, fmt.Errorf("get referral: %w", err)
	}
	return ref, nil
}

// GetReferralByReferred loads the referral row for a referred wallet, if any.
func (s *Store) GetReferralByReferred(ctx context.Context, referred identity.Address) (Referral, error) {
	var ref Referral
	err := s.db.WithContext(ctx).First(&ref, "referred_id = ?", referred.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Referral{}, ErrNotFound
	}
	if err != nil {
		return Referral{}, fmt.Errorf("get referral by referred: %w", err)
	}
	return ref, nil
}

// ListReferrals returns the referrer's referrals filtered by status, oldest
// first so settlement batches process in arrival order.
func (s *Store) ListReferrals(ctx context.Context, referrer identity.Address, status ReferralStatus) ([]Referral, error) {
	var refs []Referral
	err := s.db.WithContext(ctx).
		Where("referrer_id = ? AND status = ?", referrer.String(), status).
		Order("created_at ASC").
		Find(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	return refs, nil
}

// MarkReferralProcessing moves a referral pending to processing. The guarded
// update leaves durable evidence of the in-flight attempt before any ledger
// call is issued.
func (s *Store) MarkReferralProcessing(ctx context.Context, id string) error {
	return s.transitionReferral(ctx, id, StatusPending, map[string]any{
		"status": StatusProcessing,
	})
}

// CompleteReferral moves a referral processing to completed and stores the
// ledger transaction hash. Completed is terminal.
func (s *Store) CompleteReferral(ctx context.Context, id, txHash string, settledAt time.Time) error {
	return s.transitionReferral(ctx, id, StatusProcessing, map[string]any{
		"status":         StatusCompleted,
		"tx_hash":        txHash,
		"failure_reason": "",
		"error_message":  "",
		"settled_at":     settledAt.UTC(),
	})
}

// FailReferral moves a referral processing to failed. reason is the
// machine-checkable failure code callers branch on; message is display text.
func (s *Store) FailReferral(ctx context.Context, id, reason, message string) error {
	return s.transitionReferral(ctx, id, StatusProcessing, map[string]any{
		"status":         StatusFailed,
		"failure_reason": reason,
		"error_message":  message,
	})
}

// DeferReferral returns an in-flight referral to pending without recording a
// failure. Used when the ledger reports the daily cap after the attempt
// started; the referral stays eligible for the next UTC day.
func (s *Store) DeferReferral(ctx context.Context, id string) error {
	return s.transitionReferral(ctx, id, StatusProcessing, map[string]any{
		"status": StatusPending,
	})
}

// RetryReferral re-enters a failed referral at pending so a later settlement
// sweep picks it up again.
func (s *Store) RetryReferral(ctx context.Context, id string) error {
	return s.transitionReferral(ctx, id, StatusFailed, map[string]any{
		"status":         StatusPending,
		"failure_reason": "",
		"error_message":  "",
	})
}

func (s *Store) transitionReferral(ctx context.Context, id string, from ReferralStatus, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update referral: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var ref Referral
		if err := s.db.WithContext(ctx).First(&ref, "id = ?", id).Error; errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %v", ErrInvalidTransition, from, updates["status"])
	}
	return nil
}

// CountReferralsCompletedToday reports how many of the referrer's referrals
// settled in the current UTC day. Used for the off-ledger daily-cap precheck.
func (s *Store) CountReferralsCompletedToday(ctx context.Context, referrer identity.Address, now time.Time) (int64, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var count int64
	err := s.db.WithContext(ctx).Model(&Referral{}).
		Where("referrer_id = ? AND status = ? AND settled_at >= ? AND settled_at < ?",
			referrer.String(), StatusCompleted, dayStart, dayStart.Add(24*time.Hour)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count completed referrals: %w", err)
	}
	return count, nil
}
