package records

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReferralStatus tracks a referral through settlement.
type ReferralStatus string

// Referral lifecycle states. Transitions move strictly forward except
// failed, which may re-enter pending for a retry.
const (
	StatusPending    ReferralStatus = "pending"
	StatusProcessing ReferralStatus = "processing"
	StatusCompleted  ReferralStatus = "completed"
	StatusFailed     ReferralStatus = "failed"
)

// Participant is the identity row for a wallet address. The address is the
// primary key; there is no further profile data.
type Participant struct {
	Address   string `gorm:"primaryKey;size:42"`
	CreatedAt time.Time
}

// Recording is the durable metadata row for one uploaded capture session.
// Verified and Flagged are mutually exclusive moderation flags; Rewarded
// moves false to true at most once.
type Recording struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	ParticipantID   string `gorm:"size:42;index"`
	Topic           string `gorm:"size:128"`
	DurationSeconds int    `gorm:"not null"`
	MediaURL        string `gorm:"size:512"`
	Rewarded        bool   `gorm:"index"`
	Verified        bool   `gorm:"index"`
	Flagged         bool   `gorm:"index"`
	CreatedAt       time.Time
}

// Referral is the one-time relationship between a referrer and a newly
// active wallet. A wallet can be referred once, ever: ReferredID carries a
// unique index and inserts use ON CONFLICT DO NOTHING. FailureReason holds
// the machine-checkable code of a failed settlement; ErrorMessage is display
// text only and is never branched on.
type Referral struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	ReferrerID    string         `gorm:"size:42;index:idx_referrals_referrer_status"`
	ReferredID    string         `gorm:"size:42;uniqueIndex"`
	Status        ReferralStatus `gorm:"size:16;index:idx_referrals_referrer_status"`
	TxHash        string         `gorm:"size:128"`
	FailureReason string         `gorm:"size:64"`
	ErrorMessage  string         `gorm:"size:512"`
	SettledAt     *time.Time     `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BeforeCreate assigns ids so callers never invent them.
func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// BeforeCreate assigns ids so callers never invent them.
func (r *Referral) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// AutoMigrate performs all schema migrations for the record store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Participant{},
		&Recording{},
		&Referral{},
	)
}
