package storekit

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// validate is the shared validator instance
var validate *validator.Validate

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("map"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	err := validate.RegisterValidation("bucket", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return bucketNamePattern.MatchString(name) && !strings.Contains(name, "..")
	})
	if err != nil {
		panic(err)
	}
}

// DecodeConfig decodes a builder option map into out, a pointer to a
// struct tagged with `map:"key"`, and validates it with its `validate`
// tags. Unknown keys are rejected. Errors are ConfigInvalid and name the
// scheme and the offending key.
func DecodeConfig(scheme Scheme, options map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "map",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return ConfigError(scheme, err)
	}
	if err := dec.Decode(options); err != nil {
		return ConfigError(scheme, err)
	}
	if err := validate.Struct(out); err != nil {
		return ConfigError(scheme, formatValidationError(err))
	}
	return nil
}

// ValidateConfig checks a config struct built in code against its
// `validate` tags.
func ValidateConfig(scheme Scheme, cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return ConfigError(scheme, formatValidationError(err))
	}
	return nil
}

// ConfigError wraps err as a ConfigInvalid build error for scheme.
func ConfigError(scheme Scheme, err error) error {
	return &Error{Kind: KindConfigInvalid, Op: "build", Scheme: scheme, Err: err}
}

// formatValidationError converts validator errors into user-friendly
// messages. Option values may hold credentials and are never included.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag", e.Field(), e.Tag())
	}
	return err
}
