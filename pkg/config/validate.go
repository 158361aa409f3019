package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every section and returns Errors listing all problems.
func (c *Config) Validate() error {
	var errs Errors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	if err := c.Policy.Limits.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "policy", Message: err.Error()})
	}
	if c.Policy.Watch && c.Policy.Dir == "" {
		errs = append(errs, ValidationError{Path: "policy.watch", Message: "requires policy.dir"})
	}
	if c.Monitor.Checker == CheckerSSH && c.Monitor.SSH.User == "" {
		errs = append(errs, ValidationError{Path: "monitor.ssh.user", Message: "is required"})
	}
	if c.Provisioning.Backend == BackendSSH {
		if err := c.Provisioning.SSH.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "provisioning.ssh", Message: err.Error()})
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath drops the root type from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
