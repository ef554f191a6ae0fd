// Package skill holds the skill model the flow engine drives.
//
// A Skill is a named script bound to an intent. It declares ordered
// required and optional parameters, may gain dynamic parameters at runtime,
// and exposes begin and finish hooks. Skills act on the conversation through
// the Bot facade, which the flow package implements.
//
// Skills are never stored. A Registry of factories builds a fresh instance
// each turn, and Revive replays the context's parameter change log onto it.
// Function-valued fields are therefore referenced by name (Parsers,
// Reactions and Messages tables) so a recorded change can be resolved again.
//
// Skills written in Go register a Factory directly. RegisterDir loads
// declarative YAML skills whose replies are text/template strings.
package skill
