// Package gateway exposes the capture-to-settlement pipeline over HTTP:
// recording uploads, reward resubmission, referral detection and claims,
// participant stats, moderation views, and media retrieval.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"senscast/identity"
	"senscast/records"
	"senscast/reward"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Coordinator      *reward.Coordinator
	Store            *records.Store
	MediaDir         string
	MaxUploadBytes   int64
	UploadsPerMinute float64
	UploadBurst      int
	Log              *slog.Logger
}

// Server handles the pipeline HTTP API.
type Server struct {
	coordinator *reward.Coordinator
	store       *records.Store
	mediaDir    string
	maxUpload   int64
	log         *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	srv := &Server{
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		mediaDir:    cfg.MediaDir,
		maxUpload:   cfg.MaxUploadBytes,
		log:         cfg.Log,
	}
	srv.router = srv.buildRouter(newUploadLimiter(cfg.UploadsPerMinute, cfg.UploadBurst))
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(uploads *uploadLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/join", s.handleJoin)

	r.Route("/v1", func(api chi.Router) {
		api.With(uploads.middleware).Post("/recordings", s.handleSubmitRecording)
		api.Get("/recordings", s.handleListRecordings)
		api.Post("/recordings/{id}/reward", s.handleResubmitReward)
		api.Post("/recordings/{id}/verify", s.handleVerifyRecording)
		api.Post("/recordings/{id}/flag", s.handleFlagRecording)
		api.Get("/moderation", s.handleModerationList)
		api.Post("/referrals/claim", s.handleClaimReferrals)
		api.Post("/referrals/{id}/settle", s.handleSettleReferral)
		api.Post("/referrals/{id}/retry", s.handleRetryReferral)
		api.Get("/participants/{address}/stats", s.handleStats)
	})

	if strings.TrimSpace(s.mediaDir) != "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir)))
		r.Handle("/media/*", fs)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.Status()),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("remote", r.RemoteAddr))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recordingDTO struct {
	ID              string    `json:"id"`
	Participant     string    `json:"participant"`
	Topic           string    `json:"topic"`
	DurationSeconds int       `json:"duration_seconds"`
	MediaURL        string    `json:"media_url"`
	Rewarded        bool      `json:"rewarded"`
	Verified        bool      `json:"verified"`
	Flagged         bool      `json:"flagged"`
	CreatedAt       time.Time `json:"created_at"`
}

func toRecordingDTO(rec records.Recording) recordingDTO {
	return recordingDTO{
		ID:              rec.ID,
		Participant:     rec.ParticipantID,
		Topic:           rec.Topic,
		DurationSeconds: rec.DurationSeconds,
		MediaURL:        rec.MediaURL,
		Rewarded:        rec.Rewarded,
		Verified:        rec.Verified,
		Flagged:         rec.Flagged,
		CreatedAt:       rec.CreatedAt,
	}
}

type rewardDTO struct {
	Recording recordingDTO `json:"recording"`
	Rewarded  bool         `json:"rewarded"`
	Units     int64        `json:"units"`
	TxHash    string       `json:"tx_hash,omitempty"`
	Reason    string       `json:"reason"`
}

func toRewardDTO(out reward.Outcome) rewardDTO {
	return rewardDTO{
		Recording: toRecordingDTO(out.Recording),
		Rewarded:  out.Rewarded,
		Units:     out.Units,
		TxHash:    out.TxHash,
		Reason:    string(out.Reason),
	}
}

// handleSubmitRecording accepts a multipart upload: the media payload plus
// the session's topic and clock-measured duration. The response carries the
// stored recording even when the reward settlement did not complete, so the
// client can resubmit the reward without re-uploading.
func (s *Server) handleSubmitRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "expected a multipart upload")
		return
	}

	participant, err := identity.Parse(r.FormValue("participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "participant must be a hex wallet address")
		return
	}
	durationSeconds, err := strconv.Atoi(strings.TrimSpace(r.FormValue("duration_seconds")))
	if err != nil || durationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_DURATION", "duration_seconds must be a positive integer")
		return
	}
	file, _, err := r.FormFile("media")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MEDIA_REQUIRED", "media file is required")
		return
	}
	defer file.Close()

	out, err := s.coordinator.SubmitRecording(r.Context(), reward.SubmitRequest{
		Participant:     participant,
		Topic:           r.FormValue("topic"),
		DurationSeconds: durationSeconds,
		Media:           file,
	})
	switch {
	case errors.Is(err, reward.ErrTopicRequired):
		writeError(w, http.StatusBadRequest, "TOPIC_REQUIRED", "topic is required")
		return
	case errors.Is(err, reward.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "INVALID_DURATION", err.Error())
		return
	case errors.Is(err, reward.ErrEmptyMedia):
		writeError(w, http.StatusBadRequest, "MEDIA_REQUIRED", "media payload is required")
		return
	case err != nil && out.Recording.ID == "":
		s.log.Error("submit recording failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to store the recording")
		return
	}
	// A ledger failure still created the recording; the reason code tells
	// the client what to do next.
	writeJSON(w, http.StatusCreated, toRewardDTO(out))
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	participant, err := identity.Parse(r.URL.Query().Get("participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "participant must be a hex wallet address")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListRecordings(r.Context(), participant, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to list recordings")
		return
	}
	dtos := make([]recordingDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, toRecordingDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": dtos})
}

func (s *Server) handleResubmitReward(w http.ResponseWriter, r *http.Request) {
	out, err := s.coordinator.ResubmitReward(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "recording not found")
		return
	}
	if err != nil && out.Reason != "" {
		writeJSON(w, http.StatusBadGateway, toRewardDTO(out))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to settle the reward")
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(out))
}

func (s *Server) handleVerifyRecording(w http.ResponseWriter, r *http.Request) {
	s.handleModeration(w, r, s.store.SetVerified, "verified")
}

func (s *Server) handleFlagRecording(w http.ResponseWriter, r *http.Request) {
	s.handleModeration(w, r, s.store.SetFlagged, "flagged")
}

func (s *Server) handleModeration(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error, status string) {
	id := chi.URLParam(r, "id")
	if err := apply(r.Context(), id); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "recording not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to update moderation flags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleModerationList(w http.ResponseWriter, r *http.Request) {
	filter := records.ModerationFilter(r.URL.Query().Get("filter"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListModeration(r.Context(), filter, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILTER", "filter must be flagged or verified")
		return
	}
	dtos := make([]recordingDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, toRecordingDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": dtos})
}

type referralDTO struct {
	ID       string `json:"id"`
	Referrer string `json:"referrer"`
	Referred string `json:"referred"`
	Status   string `json:"status"`
	TxHash   string `json:"tx_hash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func toReferralDTO(out reward.ReferralOutcome) referralDTO {
	return referralDTO{
		ID:       out.Referral.ID,
		Referrer: out.Referral.ReferrerID,
		Referred: out.Referral.ReferredID,
		Status:   string(out.Referral.Status),
		TxHash:   out.TxHash,
		Reason:   string(out.Reason),
	}
}

// handleJoin records the referral relationship when a referred wallet first
// follows a referral link. Repeat visits, competing referrers, and
// self-referrals are all no-ops.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	referrer, err := identity.Parse(r.URL.Query().Get("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "ref must be a hex wallet address")
		return
	}
	referred, err := identity.Parse(r.URL.Query().Get("wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "wallet must be a hex wallet address")
		return
	}
	out, err := s.coordinator.DetectReferral(r.Context(), referrer, referred)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to record the referral")
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(out))
}

func (s *Server) handleClaimReferrals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Referrer string `json:"referrer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json payload")
		return
	}
	referrer, err := identity.Parse(req.Referrer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "referrer must be a hex wallet address")
		return
	}
	result, err := s.coordinator.ClaimPendingReferrals(r.Context(), referrer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to claim referrals")
		return
	}
	outcomes := make([]referralDTO, 0, len(result.Outcomes))
	for _, out := range result.Outcomes {
		outcomes = append(outcomes, toReferralDTO(out))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": result.Processed,
		"settled":   result.Settled,
		"outcomes":  outcomes,
	})
}

func (s *Server) handleSettleReferral(w http.ResponseWriter, r *http.Request) {
	out, err := s.coordinator.SettleReferral(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "referral not found")
		return
	}
	if err != nil && out.Reason != "" {
		writeJSON(w, http.StatusBadGateway, toReferralDTO(out))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to settle the referral")
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(out))
}

func (s *Server) handleRetryReferral(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.coordinator.RetryReferral(r.Context(), id)
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "referral not found")
		return
	}
	if errors.Is(err, records.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", "only failed referrals can be retried")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_FAILED", "failed to retry the referral")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(records.StatusPending)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	participant, err := identity.Parse(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "address must be a hex wallet address")
		return
	}
	stats, err := s.coordinator.Stats(r.Context(), participant)
	if err != nil {
		writeError(w, http.StatusBadGateway, "LEDGER_UNAVAILABLE", "failed to read ledger state")
		return
	}
	recs := make([]recordingDTO, 0, len(stats.Recordings))
	for _, rec := range stats.Recordings {
		recs = append(recs, toRecordingDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":             participant.String(),
		"balance":             stats.Balance.String(),
		"referral_counters":   stats.Counters,
		"recordings":          recs,
		"pending_referrals":   stats.Pending,
		"completed_referrals": stats.Completed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"code":"ENCODING_FAILED"}`)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
