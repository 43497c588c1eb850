package validation

import (
	"regexp"
	"strconv"

	"github.com/nkkko/notifyd/internal/api/errors"
)

// MaxNameLength bounds source and kind names
const MaxNameLength = 128

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// Name validates a source or kind path segment
func Name(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxNameLength); err != nil {
		return err
	}
	if !namePattern.MatchString(value) {
		return errors.ValidationError(
			"invalid_name",
			field+" may contain only letters, digits and . _ : -",
		)
	}
	return nil
}

// Names validates several fields, returning the first failure
func Names(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := Name(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
