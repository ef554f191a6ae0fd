// ABOUTME: Builtin email address parser
// ABOUTME: Validates against a permissive local-part@domain pattern

package parser

import (
	"context"
	"regexp"
)

var emailPattern = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9-]+(?:\\.[a-zA-Z0-9-]+)*$")

// Email accepts a string that looks like an email address.
type Email struct{}

func (Email) Type() string { return "email" }

func (Email) Parse(_ context.Context, param Param, _ Policy) (any, error) {
	s, ok := param.Value.(string)
	if !ok {
		return nil, Reject(ReasonShouldBeString)
	}
	if s == "" {
		return nil, Reject(ReasonValueIsEmpty)
	}
	if !emailPattern.MatchString(s) {
		return nil, Reject(ReasonShouldBeEmail)
	}
	return s, nil
}
