package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"inbox/cmd/internal/httpapi"
	"inbox/cmd/internal/messages"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// MaxTextLen is the text limit in characters.
const MaxTextLen = 4096

// Payload is the webhook JSON body. Unknown fields are ignored; keys are matched exactly.
type Payload struct {
	MessageID string  `json:"message_id" validate:"required,notblank,max=255"`
	From      string  `json:"from" validate:"required,msisdn"`
	To        string  `json:"to" validate:"required,msisdn"`
	TS        string  `json:"ts" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Text      *string `json:"text" validate:"omitempty,max=4096"`
}

var msisdnRE = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return msisdnRE.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// ValidationError lists every rejected field of a payload.
type ValidationError struct {
	Problems []httpapi.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Problem)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Fields returns the rejected field names in report order.
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.Field)
	}
	return out
}

func invalid(field, problem string) *ValidationError {
	return &ValidationError{Problems: []httpapi.FieldError{{Field: field, Problem: problem}}}
}

// ParsePayload decodes and validates a raw body into a storable message.
// Every failure is a *ValidationError.
func ParsePayload(body []byte) (messages.Message, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return messages.Message{}, invalid("body", "request body is empty")
	}

	canonical, err := dropMiscasedKeys(body)
	if err != nil {
		return messages.Message{}, decodeProblem(err)
	}
	var p Payload
	if err := json.Unmarshal(canonical, &p); err != nil {
		return messages.Message{}, decodeProblem(err)
	}

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := &ValidationError{Problems: make([]httpapi.FieldError, 0, len(verrs))}
			for _, fe := range verrs {
				out.Problems = append(out.Problems, httpapi.FieldError{Field: fe.Field(), Problem: problemFor(fe)})
			}
			return messages.Message{}, out
		}
		return messages.Message{}, fmt.Errorf("validate payload: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, p.TS)
	if err != nil {
		return messages.Message{}, invalid("ts", "must be an RFC 3339 timestamp")
	}
	if ts.IsZero() {
		return messages.Message{}, invalid("ts", "must be after 0001-01-01T00:00:00Z")
	}

	return messages.Message{
		ID:        p.MessageID,
		From:      p.From,
		To:        p.To,
		Timestamp: ts,
		Text:      p.Text,
	}, nil
}

var payloadKeys = []string{"message_id", "from", "to", "ts", "text"}

// dropMiscasedKeys removes keys that only match a payload field case-insensitively,
// so "TS" or "Message_ID" count as unknown fields rather than as the real ones.
func dropMiscasedKeys(body []byte) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	dropped := false
	for k := range raw {
		if slices.Contains(payloadKeys, k) {
			continue
		}
		for _, name := range payloadKeys {
			if strings.EqualFold(k, name) {
				delete(raw, k)
				dropped = true
				break
			}
		}
	}
	if !dropped {
		return body, nil
	}
	return json.Marshal(raw)
}

func decodeProblem(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			return invalid("body", "must be a JSON object")
		}
		return invalid(field, "must be a "+jsonKind(typeErr.Type))
	}
	return invalid("body", "malformed JSON")
}

func jsonKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return t.Kind().String()
	}
}

func problemFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "notblank":
		return "must not be blank"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "msisdn":
		return "must be an E.164 number like +14155550100"
	case "datetime":
		return "must be an RFC 3339 timestamp"
	default:
		return "failed " + fe.Tag()
	}
}

// peekMessageID extracts message_id for logging a rejected payload, if it is a usable string.
func peekMessageID(body []byte) string {
	var probe struct {
		MessageID any `json:"message_id"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return ""
	}
	s, _ := probe.MessageID.(string)
	if utf8.RuneCountInString(s) > messages.MaxIDLen {
		return ""
	}
	return s
}
