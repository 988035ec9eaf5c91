// Package routes declares the subscription routes qstream serves.
package routes

import (
	"strings"

	"qstream/internal/auth"
	apperrors "qstream/internal/errors"
	"qstream/internal/feed"
	"qstream/internal/logger"
	"qstream/internal/market"
	"qstream/internal/stream"
	"qstream/internal/topic"
)

const (
	BarsRoute       = "bars"
	OrdersRoute     = "orders"
	ExecutionsRoute = "executions"

	accountRules = "required,alphanum,max=64"
)

// Producers holds the upstream behind each route. A nil producer leaves its
// route unregistered.
type Producers struct {
	Bars       topic.Producer
	Orders     topic.Producer
	Executions topic.Producer
}

// universe is implemented by producers serving a fixed symbol set.
type universe interface {
	Symbols() []string
}

// Bars is the public bar route: bars{symbol, resolution}. When p reports its
// symbols, others fail validation.
func Bars(p topic.Producer) stream.Route {
	resolutions := make([]string, 0, len(market.Resolutions))
	for _, r := range market.Resolutions {
		resolutions = append(resolutions, string(r))
	}
	symbolRules := "required,alphanum,uppercase,max=16"
	if u, ok := p.(universe); ok {
		if symbols := u.Symbols(); len(symbols) > 0 {
			symbolRules += ",oneof=" + strings.Join(symbols, " ")
		}
	}
	return stream.Route{
		Name:        BarsRoute,
		Description: "OHLCV bars for one symbol at one resolution",
		Params: []stream.Param{
			{Name: "symbol", Rules: symbolRules, Description: "Ticker symbol, e.g. AAPL"},
			{Name: "resolution", Rules: "required,oneof=" + strings.Join(resolutions, " "), Description: "Bar interval"},
		},
		Payload:  market.Bar{},
		Producer: p,
	}
}

// Orders streams order updates of one account to its owners.
func Orders(p topic.Producer) stream.Route {
	return stream.Route{
		Name:        OrdersRoute,
		Description: "Order status updates of one account",
		Params: []stream.Param{
			{Name: "account", Rules: accountRules, Description: "Account id owned by the caller"},
		},
		Payload:      feed.OrderUpdate{},
		Producer:     p,
		RequiresAuth: true,
		Authorize:    OwnAccount,
	}
}

// Executions streams fills of one account to its owners.
func Executions(p topic.Producer) stream.Route {
	return stream.Route{
		Name:        ExecutionsRoute,
		Description: "Trade executions of one account",
		Params: []stream.Param{
			{Name: "account", Rules: accountRules, Description: "Account id owned by the caller"},
		},
		Payload:      feed.Execution{},
		Producer:     p,
		RequiresAuth: true,
		Authorize:    OwnAccount,
	}
}

// OwnAccount admits identities that hold the requested account.
func OwnAccount(id *auth.Identity, params map[string]string) error {
	account := params["account"]
	if !id.HasAccount(account) {
		return apperrors.Newf(apperrors.ErrCodeForbidden, "Access forbidden", "account %s not granted", account)
	}
	return nil
}

// Register adds every route with a producer to svc and returns the names
// registered.
func Register(svc *stream.Service, p Producers, log logger.Logger) ([]string, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	var candidates []stream.Route
	if p.Bars != nil {
		candidates = append(candidates, Bars(p.Bars))
	}
	if p.Orders != nil {
		candidates = append(candidates, Orders(p.Orders))
	}
	if p.Executions != nil {
		candidates = append(candidates, Executions(p.Executions))
	} else {
		log.Info("Executions route disabled, no database configured")
	}

	names := make([]string, 0, len(candidates))
	for _, r := range candidates {
		if err := svc.Register(r); err != nil {
			return names, err
		}
		names = append(names, r.Name)
	}
	return names, nil
}
