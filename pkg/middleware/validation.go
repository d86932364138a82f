package middleware

import (
	"context"
	"fmt"
	"reflect"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Validator validates a command intent.
type Validator interface {
	Validate(intent any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(intent any) error

func (f ValidatorFunc) Validate(intent any) error {
	return f(intent)
}

// StructValidator checks `valid:"..."` struct tags with govalidator and then
// calls the intent's own Validate method when it has one.
type StructValidator struct{}

func (StructValidator) Validate(intent any) error {
	if isStruct(intent) {
		if _, err := govalidator.ValidateStruct(intent); err != nil {
			return err
		}
	}
	if v, ok := intent.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Struct
}

// Validation rejects commands whose intent fails validator before they reach
// the handler. Failures wrap eventsourcing.ErrInvalidCommand.
func Validation(validator Validator) eventsourcing.Middleware {
	if validator == nil {
		validator = StructValidator{}
	}

	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
			if err := validator.Validate(cmd.Intent); err != nil {
				return 0, fmt.Errorf("%w: %s: %v", eventsourcing.ErrInvalidCommand, cmd.Name(), err)
			}
			return next.Execute(ctx, cmd)
		})
	}
}

// RequireMetadata rejects commands without a command ID or principal.
func RequireMetadata() eventsourcing.Middleware {
	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
			if cmd.Metadata.CommandID == "" {
				return 0, fmt.Errorf("%w: command_id is required", eventsourcing.ErrInvalidCommand)
			}
			if cmd.Metadata.PrincipalID == "" {
				return 0, fmt.Errorf("%w: principal_id is required", eventsourcing.ErrInvalidCommand)
			}
			return next.Execute(ctx, cmd)
		})
	}
}
