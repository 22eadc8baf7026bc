package bench

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultNTimes is the repetition count used when none is given.
const DefaultNTimes = 1000

// ErrInvalidConfig is returned for run parameters that fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the parameters of one benchmark run, named after the CLI
// flags that set them.
type Config struct {
	Routine    Routine `flag:"bench" validate:"required"`
	NTimes     int     `flag:"ntimes" validate:"min=1"`
	MsgSizeMax *int    `flag:"msg-size-max" validate:"omitempty,min=1"`
	MsgSizes   []int   `flag:"msg-sizes" validate:"omitempty,dive,min=1"`

	// Bidirectional pairs PE i with PE i^1 so data moves both ways at
	// once. Point-to-point routines only.
	Bidirectional bool `flag:"bidirectional"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("flag")
	})
}

// Validate checks the configuration. Size problems wrap ErrInvalidSize,
// everything else wraps ErrInvalidConfig.
func (c Config) Validate() error {
	if c.MsgSizeMax != nil && len(c.MsgSizes) > 0 {
		return fmt.Errorf("%w: --msg-size-max and --msg-sizes are mutually exclusive",
			ErrInvalidConfig)
	}

	if c.Bidirectional && !c.Routine.PointToPoint() {
		return fmt.Errorf("%w: --bidirectional applies to Get, Put, GetNBI and PutNBI, not %s",
			ErrInvalidConfig, c.Routine)
	}

	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		sentinel := ErrInvalidConfig
		if strings.HasPrefix(fe.Field(), "msg-size") {
			sentinel = ErrInvalidSize
		}

		errs = append(errs, fmt.Errorf("%w: --%s %s",
			sentinel, fe.Field(), describe(fe)))
	}

	return errors.Join(errs...)
}

// Sizes resolves the message-size sweep for the configuration.
func (c Config) Sizes() ([]int, error) {
	return ResolveSizes(c.MsgSizes, c.MsgSizeMax)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %q check (got %v)", fe.Tag(), fe.Value())
	}
}
