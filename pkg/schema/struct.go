package schema

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. go-playground caches struct
// metadata internally, so a single instance serves all schemas.
var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func sharedValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// structSchema validates payloads by decoding them into T and running
// go-playground/validator struct tags.
type structSchema[T any] struct{}

// Struct returns a schema that coerces the raw payload into T via a JSON
// round trip and validates it with go-playground/validator `validate`
// tags. The coerced value handed to handlers is a T (not *T).
//
//	type PingInput struct {
//	    Message string `json:"message" validate:"required"`
//	}
//
//	router.In{Input: schema.Struct[PingInput](), ...}
func Struct[T any]() Schema {
	return structSchema[T]{}
}

func (structSchema[T]) Validate(ctx context.Context, raw any) (any, []Issue) {
	var value T

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, []Issue{{Message: "payload is not encodable: " + err.Error()}}
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, []Issue{{Message: "payload does not match expected shape: " + err.Error()}}
	}

	if err := sharedValidator().StructCtx(ctx, value); err != nil {
		return nil, issuesFromValidator(err)
	}

	return value, nil
}

// issuesFromValidator converts go-playground validation errors into the
// wire-level issue list.
func issuesFromValidator(err error) []Issue {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "PingInput.Message"; drop the root struct name.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		issues = append(issues, Issue{
			Path:    path,
			Message: "failed on the '" + fe.Tag() + "' rule",
		})
	}
	return issues
}
