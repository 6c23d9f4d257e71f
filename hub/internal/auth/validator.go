package auth

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "handle" is the shared shape of usernames and group names.
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	return v
}

// SignupRequest is the body of POST /api/auth/signup.
type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,handle"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ValidateSignup checks a signup request.
func ValidateSignup(req SignupRequest) error {
	return validate.Struct(req)
}

// ValidateHandle checks that s is usable as a username or group name.
func ValidateHandle(s string) error {
	return validate.Var(s, "required,min=3,max=64,handle")
}

// ValidateRequest checks any request struct carrying validate tags. Tags may
// use "handle" for username and group name fields.
func ValidateRequest(req any) error {
	return validate.Struct(req)
}
