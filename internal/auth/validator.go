package auth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mohamedkhairy/echoroom/internal/models"
)

var validate = newValidator()

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// Handles end up in direct room names and mentions
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	return v
}

// SignupRequest is the payload of a signup
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Handle   string `json:"username" validate:"required,min=2,max=32,handle"`
	Password string `json:"password" validate:"required,max=72"`
}

// Normalize trims whitespace and lowercases the email
func (r *SignupRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Handle = strings.TrimSpace(r.Handle)
}

// LoginRequest is the payload of a login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Normalize trims whitespace and lowercases the email
func (r *LoginRequest) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

// ValidateSignup checks a signup request. Password length is a deployment
// setting, so it is checked outside the struct tags.
func ValidateSignup(req SignupRequest, minPasswordLength int) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, describe(err))
	}
	if len(req.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", models.ErrInvalidRequest, minPasswordLength)
	}
	return nil
}

// ValidateLogin checks a login request
func ValidateLogin(req LoginRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, describe(err))
	}
	return nil
}

// describe turns validator errors into a short client-facing message
func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if field == "handle" {
		field = "username"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "invalid email address"
	case "handle":
		return "username may only contain letters, digits, '.', '_' and '-'"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	}
	return field + " is invalid"
}
