package form

import (
	"unicode/utf8"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

const (
	// MinPasswordLength matches the identity provider's minimum.
	MinPasswordLength = 6
	// DefaultMinPasswordScore is the zxcvbn score (0-4) required at sign-up.
	DefaultMinPasswordScore = 2
	otpLength               = 6

	msgRequired = "please fill in all fields"
)

// Login is the sign-in form.
type Login struct {
	Phone    string
	Password string
}

// Validate normalizes the phone number in place.
func (f *Login) Validate(countryCode string) error {
	var errs Errors
	if f.Phone == "" || f.Password == "" {
		if f.Phone == "" {
			errs.add("phone", msgRequired)
		}
		if f.Password == "" {
			errs.add("password", msgRequired)
		}
		return errs.err()
	}
	phone, verr := normalizePhone(f.Phone, countryCode)
	if verr != nil {
		return Errors{verr}
	}
	f.Phone = phone
	return nil
}

// Register is the sign-up form.
type Register struct {
	Phone           string
	Password        string
	ConfirmPassword string
}

// Validate checks completeness, confirmation and password strength, and
// normalizes the phone number in place. minScore <= 0 disables the strength
// check.
func (f *Register) Validate(countryCode string, minScore int) error {
	var errs Errors
	if f.Phone == "" {
		errs.add("phone", msgRequired)
	}
	if f.Password == "" {
		errs.add("password", msgRequired)
	}
	if f.ConfirmPassword == "" {
		errs.add("confirm_password", msgRequired)
	}
	if len(errs) > 0 {
		return errs
	}

	phone, verr := normalizePhone(f.Phone, countryCode)
	if verr != nil {
		errs = append(errs, verr)
	} else {
		f.Phone = phone
	}
	if f.Password != f.ConfirmPassword {
		errs.add("confirm_password", "passwords do not match")
	}
	if utf8.RuneCountInString(f.Password) < MinPasswordLength {
		errs.add("password", "password must be at least 6 characters")
	} else if msg := weakPassword(f.Password, minScore, f.Phone); msg != "" {
		errs.add("password", msg)
	}
	return errs.err()
}

func weakPassword(password string, minScore int, userInputs ...string) string {
	if minScore <= 0 {
		return ""
	}
	minScore = min(minScore, 4)
	if zxcvbn.PasswordStrength(password, userInputs).Score >= minScore {
		return ""
	}
	return "password is too weak; choose a more complex value"
}

// Verify is the one-time code form sent after sign-up.
type Verify struct {
	Phone string
	Code  string
}

// Validate normalizes the phone number in place and checks the code shape.
func (f *Verify) Validate(countryCode string) error {
	var errs Errors
	if phone, verr := normalizePhone(f.Phone, countryCode); verr != nil {
		errs = append(errs, verr)
	} else {
		f.Phone = phone
	}
	if !isDigits(f.Code, otpLength) {
		errs.add("code", "enter the 6-digit code sent to your phone")
	}
	return errs.err()
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
