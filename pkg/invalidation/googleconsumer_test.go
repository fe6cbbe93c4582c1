package invalidation_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupConsumerTest creates an in-memory Pub/Sub server with one topic and
// subscription.
func setupConsumerTest(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	t.Cleanup(topic.Stop)

	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return client, topic
}

func TestGooglePubsubConsumer_ReceiveMessage(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, topic := setupConsumerTest(t, "test-project", "catalog-changes", "catalog-changes-sub")

	consumer, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("catalog-changes-sub"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })

	// Act
	_, err = topic.Publish(ctx, &pubsub.Message{
		Data:       []byte("{}"),
		Attributes: map[string]string{"resource": "products"},
	}).Get(ctx)
	require.NoError(t, err)

	// Assert
	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, "products", msg.Attributes["resource"])
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message from consumer")
	}
}

func TestGooglePubsubConsumer_Stop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupConsumerTest(t, "test-project-stop", "topic-stop", "sub-stop")
	consumer, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("sub-stop"), client, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, consumer.Stop(stopCtx))

	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer.Done() channel was not closed after stop")
	}
	_, ok := <-consumer.Messages()
	assert.False(t, ok, "consumer.Messages() channel should be closed")
}

func TestNewGooglePubsubConsumer_MissingSubscription(t *testing.T) {
	client, _ := setupConsumerTest(t, "test-project-missing", "topic-x", "sub-x")

	_, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("nope"), client, zerolog.Nop())

	require.Error(t, err)
}

func TestListener_EndToEndOverPubsub(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, topic := setupConsumerTest(t, "test-project-e2e", "orders-changes", "orders-changes-sub")
	consumer, err := invalidation.NewGooglePubsubConsumer(invalidation.NewGooglePubsubConsumerDefaults("orders-changes-sub"), client, zerolog.Nop())
	require.NoError(t, err)

	coord, store := newTestCache(t)
	orders := querykey.New("orders", "user", "u1")
	store.Write(orders, []string{"o-1"})

	listener, err := invalidation.NewListener(invalidation.ListenerConfig{NumWorkers: 1}, consumer, coord, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { _ = listener.Stop(context.Background()) })

	// Act
	_, err = topic.Publish(ctx, &pubsub.Message{
		Attributes: map[string]string{"resource": "orders", "path": "user/u1"},
	}).Get(ctx)
	require.NoError(t, err)

	// Assert
	require.Eventually(t, func() bool {
		snap, _ := store.Get(orders)
		return snap.IsStale
	}, 5*time.Second, 10*time.Millisecond)
}
