package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/storage"
)

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.messages = append(r.messages, content)

	return nil
}

type countingSink struct {
	started, failed, completed, progress int
}

func (c *countingSink) OnBatchStarted(context.Context, batch.View) { c.started++ }
func (c *countingSink) OnBatchFailed(context.Context, batch.View) { c.failed++ }
func (c *countingSink) OnBatchCompleted(context.Context, batch.View) { c.completed++ }
func (c *countingSink) OnProgress(context.Context, Progress) { c.progress++ }

func TestMessages(t *testing.T) {
	rec := &recordingNotifier{}
	sink := Messages{Notifier: rec}
	ctx := context.Background()

	v := batch.View{Batch: storage.Batch{ID: 1, Title: "season 1"}, Status: status.ServiceUnavailable}

	sink.OnBatchStarted(ctx, v)
	sink.OnBatchFailed(ctx, v)
	sink.OnBatchCompleted(ctx, v)
	sink.OnProgress(ctx, Progress{})

	require.Len(t, rec.messages, 3)
	assert.Contains(t, rec.messages[0], "season 1")
	assert.Contains(t, rec.messages[1], "SERVICE_UNAVAILABLE")
	assert.Contains(t, rec.messages[2], "finished")
}

func TestMessagesFallsBackToURI(t *testing.T) {
	rec := &recordingNotifier{}

	Messages{Notifier: rec}.OnBatchCompleted(context.Background(), batch.View{
		Downloads: []storage.Download{{URI: "http://example.com/file.iso"}},
	})

	require.Len(t, rec.messages, 1)
	assert.Contains(t, rec.messages[0], "http://example.com/file.iso")
}

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi{a, b, Log{}}
	ctx := context.Background()

	m.OnBatchStarted(ctx, batch.View{})
	m.OnBatchFailed(ctx, batch.View{})
	m.OnBatchCompleted(ctx, batch.View{})
	m.OnProgress(ctx, Progress{})

	for _, s := range []*countingSink{a, b} {
		assert.Equal(t, countingSink{started: 1, failed: 1, completed: 1, progress: 1}, *s)
	}
}

func TestDiscordNotifier(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}

	require.NoError(t, d.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestDiscordNotifierErrors(t *testing.T) {
	require.ErrorIs(t, (&DiscordNotifier{}).Notify(context.Background(), "x"), ErrNoWebhook)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.EqualError(t, err, "webhook failed with status 429")
}
