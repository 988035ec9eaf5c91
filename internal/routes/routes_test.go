package routes

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qstream/internal/auth"
	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
	"qstream/internal/market"
	"qstream/internal/stream"
	"qstream/internal/testutils"
	"qstream/internal/topic/topictest"
)

func newService(t *testing.T, p Producers) (*stream.Service, []string) {
	t.Helper()
	log := logger.NewWithWriter(io.Discard, logger.LevelInfo)
	svc := stream.NewService(stream.Options{Logger: log})
	t.Cleanup(svc.Shutdown)

	names, err := Register(svc, p, log)
	require.NoError(t, err)
	return svc, names
}

func allProducers() Producers {
	return Producers{
		Bars:       topictest.NewProducer(),
		Orders:     topictest.NewProducer(),
		Executions: topictest.NewProducer(),
	}
}

func TestRegisterSkipsMissingProducers(t *testing.T) {
	_, names := newService(t, Producers{Bars: topictest.NewProducer(), Orders: topictest.NewProducer()})
	assert.Equal(t, []string{BarsRoute, OrdersRoute}, names)

	svc, names := newService(t, allProducers())
	assert.Equal(t, []string{BarsRoute, OrdersRoute, ExecutionsRoute}, names)

	specs := svc.Routes()
	require.Len(t, specs, 3)
	assert.Equal(t, BarsRoute, specs[0].Name)
	assert.Equal(t, "bars:{symbol}:{resolution}", specs[0].TopicFormat)
	assert.False(t, specs[0].RequiresAuth)
	assert.True(t, specs[1].RequiresAuth)
}

func TestBarsRouteValidation(t *testing.T) {
	svc, _ := newService(t, allProducers())
	ctx := testutils.TimeoutContext(t, 5*time.Second)

	sub, err := svc.Subscribe(ctx, stream.Request{
		Route:  BarsRoute,
		Params: map[string]string{"symbol": "AAPL", "resolution": "1m"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bars:AAPL:1m", sub.Key().String())
	svc.Unsubscribe(sub)

	for name, params := range map[string]map[string]string{
		"lowercase symbol": {"symbol": "aapl", "resolution": "1m"},
		"bad resolution":   {"symbol": "AAPL", "resolution": "2m"},
		"missing symbol":   {"resolution": "1m"},
		"symbol with sep":  {"symbol": "AA:PL", "resolution": "1m"},
	} {
		_, err := svc.Subscribe(ctx, stream.Request{Route: BarsRoute, Params: params})
		assert.ErrorIs(t, err, apperrors.ErrInvalidSubscriptionParams, name)
	}
}

func TestAccountRoutesRequireOwnership(t *testing.T) {
	svc, _ := newService(t, allProducers())
	ctx := testutils.TimeoutContext(t, 5*time.Second)
	owner := &auth.Identity{UserID: "u1", Accounts: []string{"acct123"}}
	admin := &auth.Identity{UserID: "root", Roles: []string{"admin"}}
	params := map[string]string{"account": "acct123"}

	for _, route := range []string{OrdersRoute, ExecutionsRoute} {
		_, err := svc.Subscribe(ctx, stream.Request{Route: route, Params: params})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized, route)

		_, err = svc.Subscribe(ctx, stream.Request{
			Route:    route,
			Params:   map[string]string{"account": "other9"},
			Identity: owner,
		})
		assert.ErrorIs(t, err, apperrors.ErrForbidden, route)
		assert.Contains(t, err.Error(), "account other9 not granted")

		for _, id := range []*auth.Identity{owner, admin} {
			sub, err := svc.Subscribe(ctx, stream.Request{Route: route, Params: params, Identity: id})
			require.NoError(t, err, route)
			assert.Equal(t, route+":acct123", sub.Key().String())
			svc.Unsubscribe(sub)
		}
	}
}

func TestOwnAccount(t *testing.T) {
	assert.NoError(t, OwnAccount(&auth.Identity{UserID: "u", Accounts: []string{"a"}}, map[string]string{"account": "a"}))
	assert.Error(t, OwnAccount(nil, map[string]string{"account": "a"}))
}

func TestBarsRouteOverBarSource(t *testing.T) {
	src := market.NewBarSource([]string{"AAPL"}, 5*time.Millisecond)
	svc, _ := newService(t, Producers{Bars: src})
	ctx := testutils.TimeoutContext(t, 5*time.Second)

	_, err := svc.Subscribe(ctx, stream.Request{
		Route:  BarsRoute,
		Params: map[string]string{"symbol": "TSLA", "resolution": "1m"},
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSubscriptionParams)
	assert.Empty(t, svc.Topics(), "rejected before a topic is opened")

	sub, err := svc.Subscribe(ctx, stream.Request{
		Route:  BarsRoute,
		Params: map[string]string{"symbol": "AAPL", "resolution": "5m"},
	})
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)

	env, err := sub.Next(ctx)
	require.NoError(t, err)
	bar, ok := env.Data.(market.Bar)
	require.True(t, ok, "unexpected payload %T", env.Data)
	assert.Equal(t, market.Resolution5m, bar.Resolution)
	assert.EqualValues(t, 1, env.Seq)
}

func TestBarsRouteSymbolRules(t *testing.T) {
	open := Bars(topictest.NewProducer())
	assert.Equal(t, "required,alphanum,uppercase,max=16", open.Params[0].Rules)

	fixed := Bars(market.NewBarSource([]string{"MSFT", "AAPL"}, time.Second))
	assert.Equal(t, "required,alphanum,uppercase,max=16,oneof=AAPL MSFT", fixed.Params[0].Rules)
}

func TestRegisterPropagatesDuplicate(t *testing.T) {
	svc, _ := newService(t, Producers{Bars: topictest.NewProducer()})
	names, err := Register(svc, Producers{Bars: topictest.NewProducer()}, nil)
	assert.Empty(t, names)
	assert.ErrorIs(t, err, apperrors.NewAppError(apperrors.ErrCodeConflict, "", nil))
}
