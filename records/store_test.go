package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"senscast/identity"
)

var (
	alice = identity.MustParse("0x1000000000000000000000000000000000000001")
	bob   = identity.MustParse("0x2000000000000000000000000000000000000002")
	carol = identity.MustParse("0x3000000000000000000000000000000000000003")
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndListRecordings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateRecording(ctx, Recording{
		ParticipantID:   alice.String(),
		Topic:           "indoor/Household",
		DurationSeconds: 35,
		MediaURL:        "/media/one.webm",
		CreatedAt:       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create recording: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated id")
	}
	if _, err := store.CreateRecording(ctx, Recording{
		ParticipantID:   alice.String(),
		Topic:           "outdoor/Street",
		DurationSeconds: 12,
		MediaURL:        "/media/two.webm",
		CreatedAt:       time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("create second recording: %v", err)
	}

	recs, err := store.ListRecordings(ctx, alice, 0)
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %d", len(recs))
	}
	if recs[0].Topic != "outdoor/Street" {
		t.Fatalf("expected newest first, got %s", recs[0].Topic)
	}
}

func TestMarkRewardedIsMonotone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, err := store.CreateRecording(ctx, Recording{ParticipantID: alice.String(), Topic: "t", DurationSeconds: 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkRewarded(ctx, rec.ID); err != nil {
		t.Fatalf("mark rewarded: %v", err)
	}
	if err := store.MarkRewarded(ctx, rec.ID); err != nil {
		t.Fatalf("second mark rewarded: %v", err)
	}
	stored, err := store.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Rewarded {
		t.Fatal("expected rewarded=true")
	}
}

func TestModerationFlagsAreExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec, err := store.CreateRecording(ctx, Recording{ParticipantID: alice.String(), Topic: "t", DurationSeconds: 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SetFlagged(ctx, rec.ID); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := store.SetVerified(ctx, rec.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	stored, err := store.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Verified || stored.Flagged {
		t.Fatalf("expected verified without flag, got %+v", stored)
	}

	verified, err := store.ListModeration(ctx, FilterVerified, 10)
	if err != nil {
		t.Fatalf("list verified: %v", err)
	}
	if len(verified) != 1 {
		t.Fatalf("expected 1 verified recording, got %d", len(verified))
	}
	flagged, err := store.ListModeration(ctx, FilterFlagged, 10)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 0 {
		t.Fatalf("expected no flagged recordings, got %d", len(flagged))
	}
}

func TestReferralUniquePerReferred(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateReferralIfAbsent(ctx, alice, bob)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatal("expected first referral to be created")
	}
	created, err = store.CreateReferralIfAbsent(ctx, carol, bob)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected duplicate referred wallet to be a no-op")
	}

	ref, err := store.GetReferralByReferred(ctx, bob)
	if err != nil {
		t.Fatalf("get by referred: %v", err)
	}
	if ref.ReferrerID != alice.String() {
		t.Fatalf("expected first referrer retained, got %s", ref.ReferrerID)
	}
	if ref.Status != StatusPending {
		t.Fatalf("expected pending, got %s", ref.Status)
	}
}

func TestReferralStatusTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateReferralIfAbsent(ctx, alice, bob); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref, err := store.GetReferralByReferred(ctx, bob)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// completed is unreachable without passing through processing
	if err := store.CompleteReferral(ctx, ref.ID, "0xhash", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if err := store.MarkReferralProcessing(ctx, ref.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := store.FailReferral(ctx, ref.ID, "LEDGER_UNAVAILABLE", "ledger unreachable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := store.GetReferral(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if failed.FailureReason != "LEDGER_UNAVAILABLE" || failed.ErrorMessage != "ledger unreachable" {
		t.Fatalf("unexpected failure record: %+v", failed)
	}
	if err := store.RetryReferral(ctx, ref.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	retried, err := store.GetReferral(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get retried: %v", err)
	}
	if retried.FailureReason != "" || retried.ErrorMessage != "" {
		t.Fatalf("retry should clear the failure record: %+v", retried)
	}
	if err := store.MarkReferralProcessing(ctx, ref.ID); err != nil {
		t.Fatalf("processing after retry: %v", err)
	}
	if err := store.CompleteReferral(ctx, ref.ID, "0xhash", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// completed is terminal
	if err := store.MarkReferralProcessing(ctx, ref.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal completed, got %v", err)
	}
	if err := store.RetryReferral(ctx, ref.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal completed on retry, got %v", err)
	}

	stored, err := store.GetReferral(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted || stored.TxHash != "0xhash" {
		t.Fatalf("unexpected final state: %+v", stored)
	}
	if stored.SettledAt == nil {
		t.Fatal("expected settled_at set")
	}
}

func TestDeferReferral(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateReferralIfAbsent(ctx, alice, bob); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref, err := store.GetReferralByReferred(ctx, bob)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// defer is only valid for in-flight referrals
	if err := store.DeferReferral(ctx, ref.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.MarkReferralProcessing(ctx, ref.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := store.DeferReferral(ctx, ref.ID); err != nil {
		t.Fatalf("defer: %v", err)
	}
	stored, err := store.GetReferral(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("expected pending after defer, got %s", stored.Status)
	}
}

func TestCountReferralsCompletedToday(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	settle := func(referred identity.Address, at time.Time) {
		t.Helper()
		if _, err := store.CreateReferralIfAbsent(ctx, alice, referred); err != nil {
			t.Fatalf("create: %v", err)
		}
		ref, err := store.GetReferralByReferred(ctx, referred)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if err := store.MarkReferralProcessing(ctx, ref.ID); err != nil {
			t.Fatalf("processing: %v", err)
		}
		if err := store.CompleteReferral(ctx, ref.ID, "0xhash", at); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	settle(bob, now.Add(-2*time.Hour))
	settle(carol, now.Add(-26*time.Hour)) // yesterday, outside the bucket

	count, err := store.CountReferralsCompletedToday(ctx, alice, now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 settled today, got %d", count)
	}
}

func TestGetRecordingNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRecording(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
