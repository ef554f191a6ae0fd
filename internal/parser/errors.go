// ABOUTME: Rejection error type and stable reason strings returned by parsers
// ABOUTME: Reactions and skills branch on the reason, so the strings never change

package parser

import "errors"

// Rejection reasons.
const (
	ReasonShouldBeString                 = "should_be_string"
	ReasonValueIsEmpty                   = "value_is_empty"
	ReasonViolatesMin                    = "violates_min"
	ReasonViolatesMax                    = "violates_max"
	ReasonShouldBeKatakana               = "should_be_katakana"
	ReasonShouldBeHiragana               = "should_be_hiragana"
	ReasonShouldFollowRegex              = "should_follow_regex"
	ReasonShouldBeNumber                 = "should_be_number"
	ReasonShouldBeEmail                  = "should_be_email"
	ReasonPolicyShouldHaveList           = "policy_should_have_list"
	ReasonValueNotFoundInList            = "value_not_found_in_list"
	ReasonActionIsSet                    = "action_is_set"
	ReasonCorrespondingParameterNotFound = "corresponding_parameter_not_found"
)

var (
	// ErrUnknownParser is returned when no builtin parser has the requested name.
	ErrUnknownParser = errors.New("unknown parser")

	// ErrParserExists is returned when registering a duplicate parser name.
	ErrParserExists = errors.New("parser already registered")

	// ErrParserNotFound is returned in strict mode when a parameter has no parser.
	ErrParserNotFound = errors.New("parser not found")
)

// RejectError reports that a value failed validation.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

// Reject returns a RejectError for reason.
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

// Reason returns the rejection reason carried by err, or "" if err is not a rejection.
func Reason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// IsRejection reports whether err is a parser rejection.
func IsRejection(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
