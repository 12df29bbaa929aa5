// Package reward coordinates the capture-to-settlement pipeline: it persists
// uploaded recordings, applies the duration gate, and drives recording and
// referral settlements against the external ledger with at-most-once
// semantics per recording and per referral.
package reward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"senscast/identity"
	"senscast/ledger"
	"senscast/media"
	"senscast/observability"
	"senscast/records"
)

// Reason is the machine-checkable outcome code attached to every pipeline
// result. Callers branch on the code, never on message text.
type Reason string

// Outcome reason codes.
const (
	ReasonRewarded          Reason = "REWARDED"
	ReasonAlreadyRewarded   Reason = "ALREADY_REWARDED"
	ReasonDurationTooShort  Reason = "DURATION_TOO_SHORT"
	ReasonReferralRecorded  Reason = "REFERRAL_RECORDED"
	ReasonAlreadyReferred   Reason = "ALREADY_REFERRED"
	ReasonSelfReferral      Reason = "SELF_REFERRAL"
	ReasonReferralSettled   Reason = "REFERRAL_SETTLED"
	ReasonAlreadySettled    Reason = "ALREADY_SETTLED"
	ReasonInFlight          Reason = "IN_FLIGHT"
	ReasonDailyCapReached   Reason = "DAILY_CAP_REACHED"
	ReasonWrongNetwork      Reason = "WRONG_NETWORK"
	ReasonUserRejected      Reason = "USER_REJECTED"
	ReasonInsufficientPool  Reason = "INSUFFICIENT_REWARD_POOL"
	ReasonLedgerUnavailable Reason = "LEDGER_UNAVAILABLE"
)

var (
	// ErrTopicRequired rejects a submission without a topic.
	ErrTopicRequired = errors.New("reward: topic required")

	// ErrInvalidDuration rejects a submission whose measured duration is
	// not a positive number of seconds.
	ErrInvalidDuration = errors.New("reward: invalid duration")

	// ErrEmptyMedia rejects a submission without a media payload.
	ErrEmptyMedia = errors.New("reward: media payload required")
)

// Config carries the reward parameters. Zero values fall back to the
// protocol defaults.
type Config struct {
	MinSeconds        int
	SecondsPerUnit    int
	MaxSessionSeconds int
	DailyReferralCap  int64
	RewardPerReferral int64
}

func (c Config) withDefaults() Config {
	if c.MinSeconds <= 0 {
		c.MinSeconds = 10
	}
	if c.SecondsPerUnit <= 0 {
		c.SecondsPerUnit = 10
	}
	if c.MaxSessionSeconds <= 0 {
		c.MaxSessionSeconds = 3600
	}
	if c.DailyReferralCap <= 0 {
		c.DailyReferralCap = 10
	}
	if c.RewardPerReferral <= 0 {
		c.RewardPerReferral = 10
	}
	return c
}

// Option customises a coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithClock sets the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithMetrics attaches the pipeline metrics registry.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the pipeline's settlement logic. Settlements for the same
// participant are serialised through a per-address lock so concurrent
// requests cannot double-spend a referral or race the rewarded flag.
type Coordinator struct {
	store   *records.Store
	media   media.Store
	ledger  ledger.Client
	cfg     Config
	log     *slog.Logger
	clock   func() time.Time
	metrics *observability.PipelineMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator wires the pipeline components together.
func NewCoordinator(store *records.Store, mediaStore media.Store, ledgerClient ledger.Client, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		media:  mediaStore,
		ledger: ledgerClient,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) lockFor(addr identity.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[addr.String()]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[addr.String()] = lock
	}
	return lock
}

// Units converts a measured duration into reward units: one unit per full
// reward interval, zero below the minimum duration.
func (c *Coordinator) Units(durationSeconds int) int64 {
	if durationSeconds < c.cfg.MinSeconds {
		return 0
	}
	return int64(durationSeconds / c.cfg.SecondsPerUnit)
}

// SubmitRequest describes one finished capture session handed to the
// pipeline. DurationSeconds is the session clock's measurement, not
// container metadata.
type SubmitRequest struct {
	Participant     identity.Address
	Topic           string
	DurationSeconds int
	Media           io.Reader
}

// Outcome reports the durable result of a recording submission or reward
// resubmission.
type Outcome struct {
	Recording records.Recording
	Rewarded  bool
	Units     int64
	TxHash    string
	Reason    Reason
}

// SubmitRecording persists the clip and settles its reward. The media object
// and the metadata row are durable before any ledger call; a ledger failure
// leaves the recording stored and unrewarded so the reward can be resubmitted
// later without re-uploading.
func (c *Coordinator) SubmitRecording(ctx context.Context, req SubmitRequest) (Outcome, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Outcome{}, ErrTopicRequired
	}
	if req.DurationSeconds <= 0 {
		return Outcome{}, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, req.DurationSeconds)
	}
	// No legitimate session can outlast the recording ceiling.
	if req.DurationSeconds > c.cfg.MaxSessionSeconds {
		return Outcome{}, fmt.Errorf("%w: %d seconds exceeds the %d second ceiling",
			ErrInvalidDuration, req.DurationSeconds, c.cfg.MaxSessionSeconds)
	}
	if req.Media == nil {
		return Outcome{}, ErrEmptyMedia
	}
	// A zero-byte payload is rejected before the store write, so neither a
	// media object nor a metadata row exists for it.
	payload := bufio.NewReader(req.Media)
	if _, err := payload.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return Outcome{}, ErrEmptyMedia
		}
		return Outcome{}, fmt.Errorf("read media: %w", err)
	}

	if err := c.store.EnsureParticipant(ctx, req.Participant); err != nil {
		return Outcome{}, err
	}

	id := uuid.NewString()
	url, err := c.media.Put(ctx, id+".webm", payload)
	if err != nil {
		c.metrics.RecordUpload("media_failed")
		return Outcome{}, fmt.Errorf("store media: %w", err)
	}

	rec, err := c.store.CreateRecording(ctx, records.Recording{
		ID:              id,
		ParticipantID:   req.Participant.String(),
		Topic:           strings.TrimSpace(req.Topic),
		DurationSeconds: req.DurationSeconds,
		MediaURL:        url,
	})
	if err != nil {
		c.metrics.RecordUpload("row_failed")
		return Outcome{}, err
	}
	c.metrics.RecordUpload("stored")

	return c.settleRecording(ctx, rec)
}

// ResubmitReward retries the reward settlement for a stored recording. The
// rewarded flag makes the retry cooperative: an already rewarded recording
// returns without touching the ledger.
func (c *Coordinator) ResubmitReward(ctx context.Context, recordingID string) (Outcome, error) {
	rec, err := c.store.GetRecording(ctx, recordingID)
	if err != nil {
		return Outcome{}, err
	}
	return c.settleRecording(ctx, rec)
}

func (c *Coordinator) settleRecording(ctx context.Context, rec records.Recording) (Outcome, error) {
	participant := identity.Address(rec.ParticipantID)
	lock := c.lockFor(participant)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so a concurrent settlement of the same
	// recording is observed before any ledger call.
	rec, err := c.store.GetRecording(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Recording: rec, Units: c.Units(rec.DurationSeconds)}
	if rec.Rewarded {
		out.Rewarded = true
		out.Reason = ReasonAlreadyRewarded
		return out, nil
	}
	if rec.DurationSeconds < c.cfg.MinSeconds {
		out.Reason = ReasonDurationTooShort
		c.metrics.RecordReward(string(ReasonDurationTooShort))
		return out, nil
	}

	started := c.clock()
	txHash, err := c.ledger.Reward(ctx, participant, rec.DurationSeconds)
	c.metrics.ObserveLedgerCall("reward", c.clock().Sub(started))
	if err != nil {
		reason := reasonForLedgerError(err)
		c.metrics.RecordReward(string(reason))
		c.log.Warn("reward settlement failed",
			slog.String("recording_id", rec.ID),
			slog.String("participant", rec.ParticipantID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()))
		out.Reason = reason
		return out, err
	}

	if err := c.store.MarkRewarded(ctx, rec.ID); err != nil {
		return Outcome{}, err
	}
	out.Recording.Rewarded = true
	out.Rewarded = true
	out.TxHash = txHash
	out.Reason = ReasonRewarded
	c.metrics.RecordReward(string(ReasonRewarded))
	c.log.Info("recording rewarded",
		slog.String("recording_id", rec.ID),
		slog.String("participant", rec.ParticipantID),
		slog.Int64("units", out.Units),
		slog.String("tx_hash", txHash))
	return out, nil
}

// ReferralOutcome reports the durable result of a referral detection or
// settlement step.
type ReferralOutcome struct {
	Referral records.Referral
	Created  bool
	Settled  bool
	TxHash   string
	Reason   Reason
}

// DetectReferral records the one-time referral relationship when a referred
// wallet first appears through a referral link. Self-referrals and repeat
// visits are no-ops; the first referrer wins permanently.
func (c *Coordinator) DetectReferral(ctx context.Context, referrer, referred identity.Address) (ReferralOutcome, error) {
	if referrer.Equal(referred) {
		return ReferralOutcome{Reason: ReasonSelfReferral}, nil
	}
	if err := c.store.EnsureParticipant(ctx, referrer); err != nil {
		return ReferralOutcome{}, err
	}
	if err := c.store.EnsureParticipant(ctx, referred); err != nil {
		return ReferralOutcome{}, err
	}
	created, err := c.store.CreateReferralIfAbsent(ctx, referrer, referred)
	if err != nil {
		return ReferralOutcome{}, err
	}
	ref, err := c.store.GetReferralByReferred(ctx, referred)
	if err != nil {
		return ReferralOutcome{}, err
	}
	out := ReferralOutcome{Referral: ref, Created: created}
	if created {
		out.Reason = ReasonReferralRecorded
		c.log.Info("referral recorded",
			slog.String("referral_id", ref.ID),
			slog.String("referrer", ref.ReferrerID),
			slog.String("referred", ref.ReferredID))
	} else {
		out.Reason = ReasonAlreadyReferred
	}
	return out, nil
}

// SettleReferral settles a single pending referral. The cap precheck runs
// before the processing transition, and the processing transition lands
// before the ledger call so a crash mid-settlement leaves durable evidence
// of the attempt.
func (c *Coordinator) SettleReferral(ctx context.Context, referralID string) (ReferralOutcome, error) {
	ref, err := c.store.GetReferral(ctx, referralID)
	if err != nil {
		return ReferralOutcome{}, err
	}
	referrer := identity.Address(ref.ReferrerID)
	lock := c.lockFor(referrer)
	lock.Lock()
	defer lock.Unlock()
	return c.settleReferralLocked(ctx, referralID)
}

func (c *Coordinator) settleReferralLocked(ctx context.Context, referralID string) (ReferralOutcome, error) {
	ref, err := c.store.GetReferral(ctx, referralID)
	if err != nil {
		return ReferralOutcome{}, err
	}
	out := ReferralOutcome{Referral: ref}
	switch ref.Status {
	case records.StatusCompleted:
		out.Settled = true
		out.TxHash = ref.TxHash
		out.Reason = ReasonAlreadySettled
		return out, nil
	case records.StatusProcessing:
		out.Reason = ReasonInFlight
		return out, nil
	case records.StatusFailed:
		out.Reason = ReasonLedgerUnavailable
		if ref.FailureReason != "" {
			out.Reason = Reason(ref.FailureReason)
		}
		return out, nil
	case records.StatusPending:
	default:
		return ReferralOutcome{}, fmt.Errorf("referral %s in unknown status %q", ref.ID, ref.Status)
	}

	referrer := identity.Address(ref.ReferrerID)
	referred := identity.Address(ref.ReferredID)

	capped, err := c.capReached(ctx, referrer)
	if err != nil {
		return ReferralOutcome{}, err
	}
	if capped {
		out.Reason = ReasonDailyCapReached
		c.metrics.RecordReferral(string(ReasonDailyCapReached))
		return out, nil
	}

	if err := c.store.MarkReferralProcessing(ctx, ref.ID); err != nil {
		if errors.Is(err, records.ErrInvalidTransition) {
			// Another settlement attempt won the race.
			return c.settleReferralLocked(ctx, referralID)
		}
		return ReferralOutcome{}, err
	}

	started := c.clock()
	txHash, err := c.ledger.ProcessReferral(ctx, referrer, referred)
	c.metrics.ObserveLedgerCall("process_referral", c.clock().Sub(started))
	if err != nil {
		return c.recordReferralFailure(ctx, ref, err)
	}

	settledAt := c.clock()
	if err := c.store.CompleteReferral(ctx, ref.ID, txHash, settledAt); err != nil {
		return ReferralOutcome{}, err
	}
	out.Referral.Status = records.StatusCompleted
	out.Referral.TxHash = txHash
	out.Settled = true
	out.TxHash = txHash
	out.Reason = ReasonReferralSettled
	c.metrics.RecordReferral(string(ReasonReferralSettled))
	c.publishCapRemaining(ctx, referrer, settledAt)
	c.log.Info("referral settled",
		slog.String("referral_id", ref.ID),
		slog.String("referrer", ref.ReferrerID),
		slog.String("referred", ref.ReferredID),
		slog.String("tx_hash", txHash))
	return out, nil
}

func (c *Coordinator) recordReferralFailure(ctx context.Context, ref records.Referral, cause error) (ReferralOutcome, error) {
	reason := reasonForLedgerError(cause)
	out := ReferralOutcome{Referral: ref, Reason: reason}
	c.metrics.RecordReferral(string(reason))
	c.log.Warn("referral settlement failed",
		slog.String("referral_id", ref.ID),
		slog.String("referrer", ref.ReferrerID),
		slog.String("reason", string(reason)),
		slog.String("error", cause.Error()))

	if errors.Is(cause, ledger.ErrDailyCapReached) {
		// The ledger is authoritative for the cap; the referral stays
		// pending and becomes eligible again next UTC day.
		if err := c.store.DeferReferral(ctx, ref.ID); err != nil {
			return ReferralOutcome{}, err
		}
		out.Referral.Status = records.StatusPending
		return out, cause
	}
	if err := c.store.FailReferral(ctx, ref.ID, string(reason), cause.Error()); err != nil {
		return ReferralOutcome{}, err
	}
	out.Referral.Status = records.StatusFailed
	out.Referral.FailureReason = string(reason)
	out.Referral.ErrorMessage = cause.Error()
	return out, cause
}

// capReached consults both cap sources: the local completed-today count and
// the ledger-side counters. Either one at the cap blocks the attempt before
// any transaction is issued.
func (c *Coordinator) capReached(ctx context.Context, referrer identity.Address) (bool, error) {
	completedToday, err := c.store.CountReferralsCompletedToday(ctx, referrer, c.clock())
	if err != nil {
		return false, err
	}
	if completedToday >= c.cfg.DailyReferralCap {
		return true, nil
	}
	counters, err := c.ledger.GetReferralCounters(ctx, referrer)
	if err != nil {
		return false, err
	}
	limit := counters.DailyCap
	if limit <= 0 {
		limit = c.cfg.DailyReferralCap
	}
	return counters.DailyCount >= limit, nil
}

func (c *Coordinator) publishCapRemaining(ctx context.Context, referrer identity.Address, now time.Time) {
	completedToday, err := c.store.CountReferralsCompletedToday(ctx, referrer, now)
	if err != nil {
		return
	}
	remaining := c.cfg.DailyReferralCap - completedToday
	if remaining < 0 {
		remaining = 0
	}
	c.metrics.RecordCapRemaining(referrer.String(), remaining)
}

// ClaimResult summarises one settlement sweep over a referrer's pending
// referrals.
type ClaimResult struct {
	Processed int
	Settled   int
	Outcomes  []ReferralOutcome
}

// ClaimPendingReferrals settles the referrer's pending referrals
// sequentially, oldest first. The sweep stops at the first daily-cap hit;
// cap-limited referrals stay pending for the next day. Individual ledger
// failures are recorded on their referral and do not abort the sweep.
func (c *Coordinator) ClaimPendingReferrals(ctx context.Context, referrer identity.Address) (ClaimResult, error) {
	lock := c.lockFor(referrer)
	lock.Lock()
	defer lock.Unlock()

	pending, err := c.store.ListReferrals(ctx, referrer, records.StatusPending)
	if err != nil {
		return ClaimResult{}, err
	}

	result := ClaimResult{}
	for _, ref := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out, err := c.settleReferralLocked(ctx, ref.ID)
		if err != nil && out.Reason == "" {
			return result, err
		}
		result.Processed++
		result.Outcomes = append(result.Outcomes, out)
		if out.Settled && out.Reason == ReasonReferralSettled {
			result.Settled++
		}
		if out.Reason == ReasonDailyCapReached {
			break
		}
	}
	return result, nil
}

// RetryReferral re-enters a failed referral at pending.
func (c *Coordinator) RetryReferral(ctx context.Context, referralID string) error {
	return c.store.RetryReferral(ctx, referralID)
}

// ParticipantStats aggregates the participant's ledger position and local
// pipeline history for the stats surface.
type ParticipantStats struct {
	Balance    *big.Int
	Counters   ledger.Counters
	Recordings []records.Recording
	Pending    int
	Completed  int
}

// Stats assembles the participant's balance, referral counters, and recent
// recordings.
func (c *Coordinator) Stats(ctx context.Context, participant identity.Address) (ParticipantStats, error) {
	balance, err := c.ledger.GetBalance(ctx, participant)
	if err != nil {
		return ParticipantStats{}, err
	}
	counters, err := c.ledger.GetReferralCounters(ctx, participant)
	if err != nil {
		return ParticipantStats{}, err
	}
	// The ledger-side figures win; the configured values only fill gaps
	// when the contract does not report them.
	if counters.DailyCap <= 0 {
		counters.DailyCap = c.cfg.DailyReferralCap
	}
	if counters.RewardPerReferral <= 0 {
		counters.RewardPerReferral = c.cfg.RewardPerReferral
	}
	recordings, err := c.store.ListRecordings(ctx, participant, 50)
	if err != nil {
		return ParticipantStats{}, err
	}
	pending, err := c.store.ListReferrals(ctx, participant, records.StatusPending)
	if err != nil {
		return ParticipantStats{}, err
	}
	completed, err := c.store.ListReferrals(ctx, participant, records.StatusCompleted)
	if err != nil {
		return ParticipantStats{}, err
	}
	return ParticipantStats{
		Balance:    balance,
		Counters:   counters,
		Recordings: recordings,
		Pending:    len(pending),
		Completed:  len(completed),
	}, nil
}

func reasonForLedgerError(err error) Reason {
	switch {
	case errors.Is(err, ledger.ErrWrongNetwork):
		return ReasonWrongNetwork
	case errors.Is(err, ledger.ErrUserRejected):
		return ReasonUserRejected
	case errors.Is(err, ledger.ErrInsufficientPool):
		return ReasonInsufficientPool
	case errors.Is(err, ledger.ErrDailyCapReached):
		return ReasonDailyCapReached
	default:
		return ReasonLedgerUnavailable
	}
}
