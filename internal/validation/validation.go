// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput оборачивает все ошибки валидации тел запросов.
var ErrInvalidInput = errors.New("invalid input")

// mobilePattern описывает мобильный номер в национальном (07XXXXXXXXX) или международном (+9647XXXXXXXXX) формате.
var mobilePattern = regexp.MustCompile(`^(?:\+964|0)7[3-9][0-9]{8}$`)

// IsMobile проверяет номер мобильного телефона.
func IsMobile(phone string) bool {
	return mobilePattern.MatchString(phone)
}

// Validator проверяет структуры по тегам `validate`.
type Validator struct {
	v *validator.Validate
}

// New создаёт валидатор с зарегистрированными правилами сервиса.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// Регистрация не может завершиться ошибкой для непустого тега и ненулевой функции.
	_ = v.RegisterValidation("mobile", func(fl validator.FieldLevel) bool {
		return IsMobile(fl.Field().String())
	})

	return &Validator{v: v}
}

// Struct проверяет s и возвращает ошибку, перечисляющую некорректные поля.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "mobile":
		return fe.Field() + " must be a mobile phone number"
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "latitude", "longitude":
		return fe.Field() + " must be a valid " + fe.Tag()
	}
	return fe.Field() + " is invalid (" + fe.Tag() + ")"
}
