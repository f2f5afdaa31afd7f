package model

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cnpj", validCNPJ)
	return v
}

// ValidateClient checks a client record before it enters the pipeline.
func ValidateClient(c *Client) error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(err, "model: invalid client")
	}
	return nil
}

// validCNPJ verifies a Brazilian CNPJ registry number: 14 digits with valid
// check digits. Formatting characters (dots, slash, dash) are tolerated.
func validCNPJ(fl validator.FieldLevel) bool {
	digits := make([]int, 0, 14)
	for _, r := range fl.Field().String() {
		switch {
		case r >= '0' && r <= '9':
			d, _ := strconv.Atoi(string(r))
			digits = append(digits, d)
		case r == '.' || r == '/' || r == '-':
			// formatting only
		default:
			return false
		}
	}
	if len(digits) != 14 {
		return false
	}

	// All-equal sequences (e.g. 00000000000000) pass the checksum but are
	// not valid registrations.
	allEqual := true
	for _, d := range digits[1:] {
		if d != digits[0] {
			allEqual = false
			break
		}
	}
	if allEqual {
		return false
	}

	return cnpjCheckDigit(digits, 12) == digits[12] &&
		cnpjCheckDigit(digits, 13) == digits[13]
}

func cnpjCheckDigit(digits []int, length int) int {
	weight := length - 7
	sum := 0
	for i := 0; i < length; i++ {
		sum += digits[i] * weight
		weight--
		if weight < 2 {
			weight = 9
		}
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}
