// Command recorderd drives one recording session from an encoder pipe and
// submits the finished clip to the senscastd gateway. It is the headless
// capture client used on appliance deployments where no interactive UI runs.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"senscast/capture"
	"senscast/identity"
	"senscast/observability/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("recorderd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var (
		gatewayURL string
		wallet     string
		topic      string
		source     string
		seconds    int
		chunkSize  int
	)
	flag.StringVar(&gatewayURL, "gateway", "http://localhost:8551", "senscastd base URL")
	flag.StringVar(&wallet, "wallet", "", "participant wallet address")
	flag.StringVar(&topic, "topic", "", "hierarchical recording topic, e.g. indoor/Household")
	flag.StringVar(&source, "source", "-", "encoder pipe path, or - for stdin")
	flag.IntVar(&seconds, "seconds", 30, "capture duration in seconds")
	flag.IntVar(&chunkSize, "chunk-size", 64*1024, "capture chunk size in bytes")
	flag.Parse()

	log := logging.Setup("recorderd", os.Getenv("SENSCAST_ENV"))

	participant, err := identity.Parse(wallet)
	if err != nil {
		return fmt.Errorf("parse wallet: %w", err)
	}
	if seconds <= 0 || seconds > capture.MaxSessionSeconds {
		return fmt.Errorf("seconds must be between 1 and %d", capture.MaxSessionSeconds)
	}

	var input io.Reader = os.Stdin
	if source != "-" {
		f, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		defer f.Close()
		input = f
	}

	session := capture.NewSession(
		&capture.ReaderDevice{Source: input, ChunkSize: chunkSize},
		capture.WithLogger(log),
	)
	ctx := context.Background()

	if err := session.RequestPermission(ctx); err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	if err := session.SelectTopic(topic); err != nil {
		return fmt.Errorf("select topic: %w", err)
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	log.Info("capturing", slog.Int("seconds", seconds), slog.String("topic", topic))
	time.Sleep(time.Duration(seconds) * time.Second)

	clip, err := session.Stop()
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	if _, err := session.BeginUpload(); err != nil {
		return fmt.Errorf("begin upload: %w", err)
	}

	if err := submitClip(ctx, gatewayURL, participant, clip); err != nil {
		session.UploadFailed(err)
		return fmt.Errorf("upload clip: %w", err)
	}
	if err := session.Settle(); err != nil {
		return err
	}
	log.Info("clip submitted",
		slog.Int("duration_seconds", clip.DurationSeconds),
		slog.Int("bytes", len(clip.Data)))
	return nil
}

func submitClip(ctx context.Context, gatewayURL string, participant identity.Address, clip *capture.Clip) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("participant", participant.String()); err != nil {
		return err
	}
	if err := form.WriteField("topic", clip.Topic); err != nil {
		return err
	}
	if err := form.WriteField("duration_seconds", fmt.Sprint(clip.DurationSeconds)); err != nil {
		return err
	}
	part, err := form.CreateFormFile("media", "clip.webm")
	if err != nil {
		return err
	}
	if _, err := part.Write(clip.Data); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	url := strings.TrimRight(gatewayURL, "/") + "/v1/recordings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Wallet-Address", participant.String())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
