package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	publisher "github.com/JakeFAU/crawlengine/internal/publisher/pubsub"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishDeliversJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "items")
	require.NoError(t, err)

	pub := publisher.New(client)
	id, err := pub.Publish(ctx, "items", map[string]string{"uri": "memory://a.json"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "memory://a.json", got["uri"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _ := newTestClient(t)
	pub := publisher.New(client)
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(ctx, "", "x")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "items", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(ctx, "missing-topic", "x")
	require.Error(t, err)

	_, err = publisher.New(nil).Publish(ctx, "items", "x")
	require.Error(t, err)
}
