package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quranwithtahir/talaqqi/internal/transcript"
)

// Transcripts returns a checker that pings the transcript store.
func Transcripts(store transcript.Store) Checker {
	return Checker{
		Name: "transcripts",
		Check: func(ctx context.Context) error {
			return store.Ping(ctx)
		},
	}
}

// Inference returns a checker that probes the inference endpoint over HTTP.
// Any response counts as reachable; only transport failures fail the check.
func Inference(endpoint string) Checker {
	client := &http.Client{Timeout: 3 * time.Second}
	return Checker{
		Name: "inference",
		Check: func(ctx context.Context) error {
			if endpoint == "" {
				return errors.New("no endpoint configured")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}
