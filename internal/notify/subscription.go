package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/phaseguild/pkg/cerr"
	"github.com/kazz187/phaseguild/pkg/storage"
)

const subscriptionsPrefix = "push_subscriptions"

// Subscription is one operator browser registered for push.
type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key" json:"p256dh_key"`
	AuthKey   string    `yaml:"auth_key" json:"auth_key"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// SubscriptionStore keeps subscriptions as YAML documents keyed by a hash of
// the endpoint, so registering the same endpoint twice replaces it.
type SubscriptionStore struct {
	mu      sync.Mutex
	storage storage.Storage
}

func NewSubscriptionStore(s storage.Storage) *SubscriptionStore {
	return &SubscriptionStore{storage: s}
}

func subscriptionID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:12])
}

func subscriptionPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", subscriptionsPrefix, id)
}

func (s *SubscriptionStore) Register(ctx context.Context, endpoint, p256dh, auth string) (*Subscription, error) {
	switch {
	case endpoint == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	case p256dh == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "p256dh_key is required", nil)
	case auth == "":
		return nil, cerr.NewError(cerr.InvalidArgument, "auth_key is required", nil)
	}
	sub := &Subscription{
		ID:        subscriptionID(endpoint),
		Endpoint:  endpoint,
		P256dhKey: p256dh,
		AuthKey:   auth,
		CreatedAt: time.Now(),
	}
	data, err := yaml.Marshal(sub)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Write(ctx, subscriptionPath(sub.ID), data); err != nil {
		return nil, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Unregister(ctx context.Context, endpoint string) error {
	return s.Delete(ctx, subscriptionID(endpoint))
}

func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Delete(ctx, subscriptionPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}

// List skips unreadable records rather than failing a whole broadcast.
func (s *SubscriptionStore) List(ctx context.Context) ([]*Subscription, error) {
	paths, err := s.storage.List(ctx, subscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	sort.Strings(paths)

	var all []*Subscription
	for _, p := range paths {
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var sub Subscription
		if err := yaml.Unmarshal(data, &sub); err != nil {
			continue
		}
		all = append(all, &sub)
	}
	return all, nil
}
