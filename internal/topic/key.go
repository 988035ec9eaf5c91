package topic

import "strings"

// keySep separates the route name and parameter values in a rendered key.
const keySep = ":"

// Key identifies one logical data stream: a route plus its ordered
// parameter values. Keys are comparable and safe to use as map keys.
type Key struct {
	Route  string
	params string
}

// NewKey builds the key for route with the given ordered values. The same
// route and values always produce an equal Key.
func NewKey(route string, values ...string) Key {
	return Key{Route: route, params: strings.Join(values, keySep)}
}

// Values returns the ordered parameter values.
func (k Key) Values() []string {
	if k.params == "" {
		return nil
	}
	return strings.Split(k.params, keySep)
}

// String renders the key as route:v1:v2, e.g. "bars:AAPL:1m".
func (k Key) String() string {
	if k.params == "" {
		return k.Route
	}
	return k.Route + keySep + k.params
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.Route == "" && k.params == ""
}

// ValidValue reports whether v can be used as a key parameter value without
// colliding with another value sequence.
func ValidValue(v string) bool {
	return v != "" && !strings.Contains(v, keySep)
}
