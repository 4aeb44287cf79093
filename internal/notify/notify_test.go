package notify

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/phaseguild/internal/config"
	"github.com/kazz187/phaseguild/internal/eventbus"
	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/storage"
)

func subscriptionKeys(t *testing.T) (string, string) {
	t.Helper()
	_, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return public, base64.RawURLEncoding.EncodeToString(auth)
}

func vapid(t *testing.T) config.VAPIDEnv {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return config.VAPIDEnv{PublicKey: public, PrivateKey: private, Subject: "mailto:ops@example.com"}
}

func TestSubscriptionStore(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriptionStore(storage.NewMemoryStorage())

	_, err := store.Register(ctx, "", "k", "a")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	first, err := store.Register(ctx, "https://push.example/1", "k1", "a1")
	require.NoError(t, err)
	again, err := store.Register(ctx, "https://push.example/1", "k2", "a2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	_, err = store.Register(ctx, "https://push.example/2", "k", "a")
	require.NoError(t, err)

	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.NoError(t, store.Unregister(ctx, "https://push.example/1"))
	subs, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/2", subs[0].Endpoint)

	require.ErrorIs(t, store.Unregister(ctx, "https://push.example/1"), cerr.ErrNotFound)
}

func TestSender_SendToAll(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := NewSubscriptionStore(storage.NewMemoryStorage())
	p256dh, auth := subscriptionKeys(t)
	_, err := store.Register(ctx, srv.URL+"/ok", p256dh, auth)
	require.NoError(t, err)
	_, err = store.Register(ctx, srv.URL+"/gone", p256dh, auth)
	require.NoError(t, err)

	sender := NewSender(vapid(t), store, WithHTTPClient(srv.Client()))
	sent := sender.SendToAll(ctx, &Payload{Title: "Budget exhausted", Body: "w1", Urgency: "high"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, map[string]int{"/ok": 1, "/gone": 1}, hits)

	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, srv.URL+"/ok", subs[0].Endpoint)
}

func TestSender_DisabledWithoutKeys(t *testing.T) {
	store := NewSubscriptionStore(storage.NewMemoryStorage())
	_, err := store.Register(context.Background(), "https://push.example/1", "k", "a")
	require.NoError(t, err)
	assert.Zero(t, NewSender(config.VAPIDEnv{}, store).SendToAll(context.Background(), &Payload{Title: "x"}))
}

func TestPayloadFor(t *testing.T) {
	p := PayloadFor(&eventbus.Event{
		Type:       eventbus.EventBudgetTripped,
		WorkflowID: "w1",
		Metadata:   map[string]string{"spent": "3", "limit": "1"},
	})
	require.NotNil(t, p)
	assert.Equal(t, "Budget exhausted", p.Title)
	assert.Contains(t, p.Body, "3 of 1")
	assert.Equal(t, "high", p.Urgency)
	assert.Equal(t, "/api/workflows/w1/status", p.URL)

	p = PayloadFor(&eventbus.Event{Type: eventbus.EventCheckpointRequested, WorkflowID: "w1", Metadata: map[string]string{"phase": "SPEC"}})
	require.NotNil(t, p)
	assert.Contains(t, p.Body, "SPEC approval")

	assert.Nil(t, PayloadFor(&eventbus.Event{Type: eventbus.EventUsageRecorded}))
}
