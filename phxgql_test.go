package phxgql_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	phxgql "github.com/lightforgemedia/go-phxgql"
	"github.com/lightforgemedia/go-phxgql/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDial(t *testing.T) {
	ts := testutil.NewTestServer(t, nil)
	c, err := phxgql.Dial(ts.WsURL+"/socket", phxgql.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stages []string
	c.Use(phxgql.MiddlewareFunc(func(rc *phxgql.RequestContext, next func()) error {
		stages = append(stages, "middleware")
		next()
		return nil
	}))
	c.UseAfter(phxgql.AfterwareFunc(func(rc *phxgql.ResponseContext, next func()) error {
		stages = append(stages, "afterware")
		next()
		return nil
	}))

	resp, err := c.Query(ctx, &phxgql.Request{Query: "{ hello }"})
	require.NoError(t, err)

	var data phxgql.Request
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Contains(t, data.Query, "hello")
	assert.Equal(t, []string{"middleware", "afterware"}, stages)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := phxgql.New(phxgql.DefaultConfig(""))
	var cfgErr *phxgql.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, phxgql.ErrConfig)

	cfg := phxgql.DefaultConfig("ws://localhost:4000/socket")
	assert.Equal(t, phxgql.DeliverySocket, cfg.Delivery)
}
