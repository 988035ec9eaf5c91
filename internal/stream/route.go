package stream

import (
	"reflect"
	"strings"
	"time"

	"qstream/internal/auth"
	"qstream/internal/topic"
)

// Param declares one ordered subscription parameter of a route.
type Param struct {
	Name string
	// Rules is a go-playground/validator tag, e.g. "required,oneof=1m 5m".
	Rules       string
	Description string
}

// AuthorizeFunc decides whether id may subscribe with the validated params.
// A non-AppError result is reported to the client as FORBIDDEN.
type AuthorizeFunc func(id *auth.Identity, params map[string]string) error

// Route is a named subscription operation backed by one producer.
type Route struct {
	Name        string
	Description string
	Params      []Param
	// Payload is an example update value; its exported fields describe the
	// update schema in Routes().
	Payload  any
	Producer topic.Producer

	RequiresAuth bool
	Authorize    AuthorizeFunc

	// Queue overrides the service-wide subscriber queue bounds when set.
	Queue *topic.QueueOptions
}

// RouteSpec is the declarative description of a route handed to contract
// generators and served by the introspection endpoint.
type RouteSpec struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Subscribe    string      `json:"subscribe"`
	Unsubscribe  string      `json:"unsubscribe"`
	TopicFormat  string      `json:"topic_format"`
	RequiresAuth bool        `json:"requires_auth"`
	Params       []ParamSpec `json:"params"`
	Payload      []FieldSpec `json:"payload,omitempty"`
	Queue        QueueSpec   `json:"queue"`
}

// ParamSpec describes one parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Rules       string `json:"rules,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldSpec describes one field of the update payload.
type FieldSpec struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
}

// QueueSpec reports the subscriber queue bounds of a route.
type QueueSpec struct {
	Capacity     int    `json:"capacity"`
	Policy       string `json:"policy"`
	BlockTimeout string `json:"block_timeout,omitempty"`
}

func (r *Route) spec(queue topic.QueueOptions) RouteSpec {
	format := []string{r.Name}
	params := make([]ParamSpec, 0, len(r.Params))
	for _, p := range r.Params {
		format = append(format, "{"+p.Name+"}")
		params = append(params, ParamSpec{
			Name:        p.Name,
			Type:        "string",
			Rules:       p.Rules,
			Description: p.Description,
		})
	}

	qs := QueueSpec{Capacity: queue.Capacity, Policy: queue.Policy.String()}
	if queue.Policy == topic.Block {
		qs.BlockTimeout = queue.BlockTimeout.String()
	}

	return RouteSpec{
		Name:         r.Name,
		Description:  r.Description,
		Subscribe:    "subscribe",
		Unsubscribe:  "unsubscribe",
		TopicFormat:  strings.Join(format, ":"),
		RequiresAuth: r.RequiresAuth,
		Params:       params,
		Payload:      payloadFields(r.Payload),
		Queue:        qs,
	}
}

var (
	timeType      = reflect.TypeOf(time.Time{})
	marshalerType = reflect.TypeOf((*interface{ MarshalJSON() ([]byte, error) })(nil)).Elem()
)

// payloadFields lists the JSON fields of an example struct value.
func payloadFields(example any) []FieldSpec {
	if example == nil {
		return nil
	}
	t := reflect.TypeOf(example)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return []FieldSpec{{Name: "value", Type: jsonType(t)}}
	}

	var fields []FieldSpec
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		spec := FieldSpec{Name: name, Type: jsonType(f.Type)}
		if f.Type == timeType {
			spec.Format = "date-time"
		}
		fields = append(fields, spec)
	}
	return fields
}

func jsonType(t reflect.Type) string {
	if t == timeType {
		return "string"
	}
	if t.Implements(marshalerType) || reflect.PointerTo(t).Implements(marshalerType) {
		// Custom marshalers such as decimal.Decimal render as strings.
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Pointer:
		return jsonType(t.Elem())
	default:
		return "object"
	}
}
