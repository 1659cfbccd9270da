package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

func TestPublisherPublishesPriceChange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "price-changes")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := NewWithClient(client)
	event := pricing.PriceChange{SiteCode: "praktiker", Key: "P-1", RegularPrice: pricing.Float(12.5), RunID: "run-1"}
	id, err := pub.Publish(ctx, "price-changes", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-received:
		stop()
		var decoded pricing.PriceChange
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, "P-1", decoded.Key)
		assert.Equal(t, "praktiker", msg.Attributes["site"])
		assert.Equal(t, "run-1", msg.Attributes["run_id"])
	case <-ctx.Done():
		stop()
		t.Fatal("message was not delivered")
	}

	require.NoError(t, pub.Close())
}

func TestPublisherRequiresTopicAndClient(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, nilPub.Close())
}
