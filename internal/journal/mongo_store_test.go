package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a live server: WSGW_TEST_MONGO_HOST=localhost go test ./internal/journal
func TestMongoStore(t *testing.T) {
	host := os.Getenv("WSGW_TEST_MONGO_HOST")
	if host == "" {
		t.Skip("WSGW_TEST_MONGO_HOST not set")
	}
	cfg := config.DefaultConfig().Journal.Database
	cfg.Host = host
	cfg.Database = "ws_gateway_test"

	ctx := context.Background()
	store, err := ConnectMongo(ctx, cfg, "ws-gateway-test")
	require.NoError(t, err)
	defer func() { _ = store.Invoke(ctx) }()

	principal := "test-" + uuid.NewString()
	base := time.Now().Truncate(time.Millisecond)
	for i, ev := range []EventType{EventAdmitted, EventClosed} {
		require.NoError(t, store.Append(ctx, Record{
			ConnectionID: uuid.NewString(),
			PrincipalID:  principal,
			Event:        ev,
			At:           base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := store.Recent(ctx, principal, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventClosed, records[0].Event)
	assert.Equal(t, EventAdmitted, records[1].Event)
}
