package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"senscast/identity"
	"senscast/ledger"
	"senscast/media"
	"senscast/records"
	"senscast/reward"
)

var (
	walletA = identity.MustParse("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	walletB = identity.MustParse("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type scriptedLedger struct {
	mu          sync.Mutex
	rewardErr   error
	referralErr error
	calls       int
}

func (f *scriptedLedger) Reward(ctx context.Context, participant identity.Address, durationSeconds int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.rewardErr != nil {
		return "", f.rewardErr
	}
	return fmt.Sprintf("0xtx%04d", f.calls), nil
}

func (f *scriptedLedger) ProcessReferral(ctx context.Context, referrer, referred identity.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.referralErr != nil {
		return "", f.referralErr
	}
	return fmt.Sprintf("0xtx%04d", f.calls), nil
}

func (f *scriptedLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedLedger) GetBalance(ctx context.Context, participant identity.Address) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *scriptedLedger) GetReferralCounters(ctx context.Context, participant identity.Address) (ledger.Counters, error) {
	return ledger.Counters{DailyCap: 10, RewardPerReferral: 10}, nil
}

func newTestServer(t *testing.T, led ledger.Client, perMinute float64, burst int) (*httptest.Server, *records.Store) {
	t.Helper()
	store, err := records.Open("sqlite", filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	mediaDir := t.TempDir()
	blobs, err := media.NewFileStore(mediaDir, "http://media.test")
	if err != nil {
		t.Fatalf("open media store: %v", err)
	}
	coord := reward.NewCoordinator(store, blobs, led, reward.Config{})
	srv := New(Config{
		Coordinator:      coord,
		Store:            store,
		MediaDir:         mediaDir,
		UploadsPerMinute: perMinute,
		UploadBurst:      burst,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func uploadRecording(t *testing.T, ts *httptest.Server, participant identity.Address, topic string, seconds int) *http.Response {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("participant", participant.String()); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := form.WriteField("topic", topic); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := form.WriteField("duration_seconds", fmt.Sprint(seconds)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := form.CreateFormFile("media", "clip.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("clip-bytes")); err != nil {
		t.Fatalf("write media: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/recordings", &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Wallet-Address", participant.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitAndListRecordings(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	resp := uploadRecording(t, ts, walletA, "indoor/Household", 25)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var submitted struct {
		Recording struct {
			ID       string `json:"id"`
			MediaURL string `json:"media_url"`
		} `json:"recording"`
		Rewarded bool   `json:"rewarded"`
		Units    int64  `json:"units"`
		Reason   string `json:"reason"`
	}
	decodeJSON(t, resp, &submitted)
	if !submitted.Rewarded || submitted.Reason != "REWARDED" || submitted.Units != 2 {
		t.Fatalf("unexpected outcome %+v", submitted)
	}
	if !strings.HasPrefix(submitted.Recording.MediaURL, "http://media.test/") {
		t.Fatalf("unexpected media url %q", submitted.Recording.MediaURL)
	}

	listResp, err := http.Get(ts.URL + "/v1/recordings?participant=" + walletA.String())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed struct {
		Recordings []struct {
			ID string `json:"id"`
		} `json:"recordings"`
	}
	decodeJSON(t, listResp, &listed)
	if len(listed.Recordings) != 1 || listed.Recordings[0].ID != submitted.Recording.ID {
		t.Fatalf("unexpected listing %+v", listed)
	}

	// the blob is retrievable through the gateway
	key := strings.TrimPrefix(submitted.Recording.MediaURL, "http://media.test/")
	mediaResp, err := http.Get(ts.URL + "/media/" + key)
	if err != nil {
		t.Fatalf("fetch media: %v", err)
	}
	defer mediaResp.Body.Close()
	if mediaResp.StatusCode != http.StatusOK {
		t.Fatalf("expected media 200, got %d", mediaResp.StatusCode)
	}
}

func TestSubmitShortRecording(t *testing.T) {
	led := &scriptedLedger{}
	ts, _ := newTestServer(t, led, 600, 10)

	resp := uploadRecording(t, ts, walletA, "indoor/Household", 9)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var submitted struct {
		Rewarded bool   `json:"rewarded"`
		Reason   string `json:"reason"`
	}
	decodeJSON(t, resp, &submitted)
	if submitted.Rewarded || submitted.Reason != "DURATION_TOO_SHORT" {
		t.Fatalf("unexpected outcome %+v", submitted)
	}
	if n := led.callCount(); n != 0 {
		t.Fatalf("short clip must not reach the ledger, got %d calls", n)
	}
}

func TestSubmitValidation(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.WriteField("participant", "not-an-address")
	form.Close()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/recordings", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	var payload struct {
		Code string `json:"code"`
	}
	decodeJSON(t, resp, &payload)
	if resp.StatusCode != http.StatusBadRequest || payload.Code != "INVALID_ADDRESS" {
		t.Fatalf("expected INVALID_ADDRESS 400, got %d %s", resp.StatusCode, payload.Code)
	}
}

func TestSubmitEmptyMedia(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.WriteField("participant", walletA.String())
	form.WriteField("topic", "indoor/Household")
	form.WriteField("duration_seconds", "20")
	if _, err := form.CreateFormFile("media", "clip.webm"); err != nil {
		t.Fatalf("create form file: %v", err)
	}
	form.Close()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/recordings", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Wallet-Address", walletA.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	var payload struct {
		Code string `json:"code"`
	}
	decodeJSON(t, resp, &payload)
	if resp.StatusCode != http.StatusBadRequest || payload.Code != "MEDIA_REQUIRED" {
		t.Fatalf("expected MEDIA_REQUIRED 400, got %d %s", resp.StatusCode, payload.Code)
	}
}

func TestResubmitRewardEndpoint(t *testing.T) {
	led := &scriptedLedger{rewardErr: ledger.ErrUserRejected}
	ts, _ := newTestServer(t, led, 600, 10)

	resp := uploadRecording(t, ts, walletA, "indoor/Household", 40)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 even when settlement fails, got %d", resp.StatusCode)
	}
	var submitted struct {
		Recording struct {
			ID string `json:"id"`
		} `json:"recording"`
		Rewarded bool   `json:"rewarded"`
		Reason   string `json:"reason"`
	}
	decodeJSON(t, resp, &submitted)
	if submitted.Rewarded || submitted.Reason != "USER_REJECTED" {
		t.Fatalf("unexpected outcome %+v", submitted)
	}

	led.mu.Lock()
	led.rewardErr = nil
	led.mu.Unlock()

	retryResp, err := http.Post(ts.URL+"/v1/recordings/"+submitted.Recording.ID+"/reward", "application/json", nil)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	var retried struct {
		Rewarded bool   `json:"rewarded"`
		Reason   string `json:"reason"`
		TxHash   string `json:"tx_hash"`
	}
	decodeJSON(t, retryResp, &retried)
	if retryResp.StatusCode != http.StatusOK || !retried.Rewarded || retried.TxHash == "" {
		t.Fatalf("unexpected retry outcome %d %+v", retryResp.StatusCode, retried)
	}
}

func TestJoinAndClaimReferrals(t *testing.T) {
	ts, store := newTestServer(t, &scriptedLedger{}, 600, 10)

	joinURL := ts.URL + "/join?ref=" + walletA.String() + "&wallet=" + walletB.String()
	resp, err := http.Get(joinURL)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	var joined struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	decodeJSON(t, resp, &joined)
	if joined.Reason != "REFERRAL_RECORDED" || joined.Status != "pending" {
		t.Fatalf("unexpected join outcome %+v", joined)
	}

	// repeat visit is a no-op
	again, err := http.Get(joinURL)
	if err != nil {
		t.Fatalf("join again: %v", err)
	}
	decodeJSON(t, again, &joined)
	if joined.Reason != "ALREADY_REFERRED" {
		t.Fatalf("unexpected repeat outcome %+v", joined)
	}

	claim := strings.NewReader(fmt.Sprintf(`{"referrer":%q}`, walletA.String()))
	claimResp, err := http.Post(ts.URL+"/v1/referrals/claim", "application/json", claim)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var claimed struct {
		Processed int `json:"processed"`
		Settled   int `json:"settled"`
	}
	decodeJSON(t, claimResp, &claimed)
	if claimed.Processed != 1 || claimed.Settled != 1 {
		t.Fatalf("unexpected claim result %+v", claimed)
	}

	completed, err := store.ListReferrals(context.Background(), walletA, records.StatusCompleted)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].TxHash == "" {
		t.Fatalf("unexpected completed referrals %+v", completed)
	}
}

func TestSelfReferralJoin(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	resp, err := http.Get(ts.URL + "/join?ref=" + walletA.String() + "&wallet=" + walletA.String())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	var joined struct {
		Reason string `json:"reason"`
	}
	decodeJSON(t, resp, &joined)
	if joined.Reason != "SELF_REFERRAL" {
		t.Fatalf("unexpected outcome %+v", joined)
	}
}

func TestModerationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	resp := uploadRecording(t, ts, walletA, "indoor/Household", 25)
	var submitted struct {
		Recording struct {
			ID string `json:"id"`
		} `json:"recording"`
	}
	decodeJSON(t, resp, &submitted)

	flagResp, err := http.Post(ts.URL+"/v1/recordings/"+submitted.Recording.ID+"/flag", "application/json", nil)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	flagResp.Body.Close()
	if flagResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", flagResp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/v1/moderation?filter=flagged")
	if err != nil {
		t.Fatalf("list moderation: %v", err)
	}
	var listed struct {
		Recordings []struct {
			ID      string `json:"id"`
			Flagged bool   `json:"flagged"`
		} `json:"recordings"`
	}
	decodeJSON(t, listResp, &listed)
	if len(listed.Recordings) != 1 || !listed.Recordings[0].Flagged {
		t.Fatalf("unexpected moderation listing %+v", listed)
	}

	missing, err := http.Post(ts.URL+"/v1/recordings/does-not-exist/verify", "application/json", nil)
	if err != nil {
		t.Fatalf("verify missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)

	uploadRecording(t, ts, walletA, "indoor/Household", 30).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/participants/" + walletA.String() + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats struct {
		Address    string `json:"address"`
		Balance    string `json:"balance"`
		Recordings []struct {
			ID string `json:"id"`
		} `json:"recordings"`
	}
	decodeJSON(t, resp, &stats)
	if stats.Address != walletA.String() || stats.Balance != "7" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Recordings) != 1 {
		t.Fatalf("expected one recording, got %d", len(stats.Recordings))
	}
}

func TestUploadRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 1, 1)

	first := uploadRecording(t, ts, walletA, "indoor/Household", 25)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}
	second := uploadRecording(t, ts, walletA, "indoor/Household", 25)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedLedger{}, 600, 10)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
