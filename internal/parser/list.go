// ABOUTME: Builtin list parser that accepts only values found in the policy's list
// ABOUTME: Elements are compared by deep equality

package parser

import (
	"context"
	"reflect"
	"slices"
)

// List accepts a value equal to one element of policy "list".
type List struct{}

func (List) Type() string { return "list" }

func (List) Parse(_ context.Context, param Param, policy Policy) (any, error) {
	list, ok := policy.List("list")
	if !ok || len(list) == 0 {
		return nil, Reject(ReasonPolicyShouldHaveList)
	}
	found := slices.ContainsFunc(list, func(v any) bool {
		return reflect.DeepEqual(v, param.Value)
	})
	if !found {
		return nil, Reject(ReasonValueNotFoundInList)
	}
	return param.Value, nil
}
