package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeRemoteUnavailable,
		Chain:   "moonbeam",
		Title:   "Chain source unavailable",
		Message: "2 of 5 watched accounts failed",
		Fields: map[string]string{
			"profile_id": "p1",
			"address":    "0xabc",
		},
	}
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	slackSrv, slackHits := countingServer(t, http.StatusOK)
	hookSrv, hookHits := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(hookSrv.URL))
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), slackHits.Load())
	assert.Equal(t, int32(1), hookHits.Load())
	assert.Equal(t, 2, multi.Len())
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	multi.nowFunc = func() time.Time { return now }

	a := testAlert()
	require.NoError(t, multi.Send(context.Background(), a))
	require.NoError(t, multi.Send(context.Background(), a))
	assert.Equal(t, int32(1), hits.Load(), "repeat inside the window is suppressed")

	other := a
	other.Chain = "polkadot"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), hits.Load(), "cooldown is per chain")

	now = now.Add(time.Minute + time.Second)
	require.NoError(t, multi.Send(context.Background(), a))
	assert.Equal(t, int32(3), hits.Load())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	failSrv, _ := countingServer(t, http.StatusInternalServerError)
	goodSrv, goodHits := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(failSrv.URL), NewWebhookAlerter(goodSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestSlackAlerter_PayloadFormat(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(captured, &payload))
	text := payload["text"]
	assert.True(t, strings.HasPrefix(text, ":warning:"))
	assert.Contains(t, text, "REMOTE_UNAVAILABLE")
	assert.Contains(t, text, "moonbeam")
	assert.Contains(t, text, "2 of 5 watched accounts failed")
	assert.Less(t, strings.Index(text, "address"), strings.Index(text, "profile_id"), "fields are sorted")

	for typ, emoji := range map[AlertType]string{
		AlertTypeSyncFailed: ":rotating_light:",
		AlertTypeRecovery:   ":white_check_mark:",
	} {
		t.Run(string(typ), func(t *testing.T) {
			var body []byte
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ = io.ReadAll(r.Body)
			}))
			defer s.Close()

			require.NoError(t, NewSlackAlerter(s.URL).Send(context.Background(), Alert{Type: typ, Chain: "polkadot"}))
			var p map[string]string
			require.NoError(t, json.Unmarshal(body, &p))
			assert.True(t, strings.HasPrefix(p["text"], emoji), p["text"])
		})
	}
}

func TestWebhookAlerter_PayloadFormat(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookAlerter(srv.URL)
	hook.nowFunc = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, hook.Send(context.Background(), testAlert()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.Equal(t, "REMOTE_UNAVAILABLE", payload["type"])
	assert.Equal(t, "moonbeam", payload["chain"])
	assert.Equal(t, "Chain source unavailable", payload["title"])
	assert.Equal(t, "2024-03-01T12:00:00Z", payload["time"])

	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0xabc", fields["address"])
}

func TestFromURLs(t *testing.T) {
	_, ok := FromURLs("", "", time.Minute, testLogger()).(*NoopAlerter)
	assert.True(t, ok)

	multi, ok := FromURLs("http://slack", "http://hook", time.Minute, testLogger()).(*MultiAlerter)
	require.True(t, ok)
	assert.Equal(t, 2, multi.Len())

	assert.NoError(t, (&NoopAlerter{}).Send(context.Background(), testAlert()))
}
