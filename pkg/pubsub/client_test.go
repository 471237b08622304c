package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
)

func TestConfiguredNamesSkipsBlank(t *testing.T) {
	assert.Equal(t, []string{"orders-sub"}, configuredNames(" orders-sub ", "", "  "))
	assert.Empty(t, configuredNames())
}

func TestResourceNames(t *testing.T) {
	c := &Client{projectID: "bazaar-prod"}

	assert.Equal(t, "projects/bazaar-prod/topics/orders", c.resourceName(kindTopic, "orders"))
	assert.Equal(t, "projects/other/topics/alerts", c.resourceName(kindTopic, "projects/other/topics/alerts"))
	assert.Equal(t, "projects/bazaar-prod/subscriptions/orders-sub", c.resourceName(kindSubscription, "orders-sub"))
	// a subscription path is not a topic path
	assert.Equal(t, "projects/bazaar-prod/topics/projects/x/subscriptions/y", c.resourceName(kindTopic, "projects/x/subscriptions/y"))
	assert.Empty(t, c.resourceName(kindTopic, "  "))

	var nilClient *Client
	assert.Empty(t, nilClient.resourceName(kindSubscription, "orders-sub"))
	assert.Nil(t, nilClient.Publisher("orders"))
	assert.NoError(t, nilClient.Close())
}

func TestPingWithoutClient(t *testing.T) {
	var c *Client
	require.Error(t, c.Ping(context.Background()))
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{ProjectID: " "}, config.PubSubConfig{}, nil)
	assert.ErrorIs(t, err, errProjectIDRequired)
}
