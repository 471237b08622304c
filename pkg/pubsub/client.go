package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopics          = errors.New("pubsub orders and alerts topics are required")
)

// Client wraps the v2 client with the project's topic layout. The publisher
// writes to the orders and alerts topics; downstream consumers own the
// subscriptions, which are only checked when configured.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

// NewClient connects and verifies that every configured resource exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	psClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: psClient, projectID: projectID, cfg: cfg}

	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"orders_topic": cfg.OrdersTopic,
			"alerts_topic": cfg.AlertsTopic,
		}), "pubsub client initialized")
	}
	return c, nil
}

// Ping checks that the topics and any configured subscriptions exist.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	topics := configuredNames(c.cfg.OrdersTopic, c.cfg.AlertsTopic)
	if len(topics) < 2 {
		return errNoTopics
	}
	for _, topic := range topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
			Topic: c.resourceName(kindTopic, topic),
		})
		if err := describeLookup("topic", topic, err); err != nil {
			return err
		}
	}
	for _, sub := range configuredNames(c.cfg.OrdersSubscription, c.cfg.AlertsSubscription) {
		_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{
			Subscription: c.resourceName(kindSubscription, sub),
		})
		if err := describeLookup("subscription", sub, err); err != nil {
			return err
		}
	}
	return nil
}

func describeLookup(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", kind, name)
	default:
		return fmt.Errorf("checking %s %q: %w", kind, name, err)
	}
}

func configuredNames(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Publisher returns a publisher for a topic id or full resource name. Each
// call creates a new handle, so callers cache and Stop it.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	name := c.resourceName(kindTopic, topic)
	if name == "" {
		return nil
	}
	return c.client.Publisher(name)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands an id into projects/<p>/<kind>/<id>. Full names of
// the same kind pass through unchanged.
func (c *Client) resourceName(kind, name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	if c.projectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", c.projectID, kind, n)
}
