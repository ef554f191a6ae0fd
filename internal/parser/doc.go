// Package parser validates and transforms raw parameter values.
//
// A Registry resolves builtin parsers by name:
//
//	reg, _ := parser.NewRegistry(logger, parser.NLU{Adapter: adapter})
//	v, err := reg.Parse(ctx, "number", parser.Param{Key: "count", Value: "42"}, parser.Policy{"min": 1})
//
// Builtins are "string", "number", "email" and "list"; "nlu" is added when an
// NLU adapter is available. A value that fails validation yields a
// *RejectError whose Reason is one of the Reason constants. Any other error is
// a configuration or transport failure.
package parser
