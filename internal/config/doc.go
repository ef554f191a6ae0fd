// Package config handles configuration loading for the skillbot gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion, defaults and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	messenger:
//	  line:
//	    channel_secret: "${LINE_CHANNEL_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Defaults
//
//   - environment: production
//   - language: ja
//   - default_intent: input.unknown
//   - parallel_event: ignore
//   - skill.default: builtin_default
//   - memory.type: memory, memory.retention: 600s
//   - nlu.type: rules, translator.type: none
//   - metrics.path: /metrics
//
// # Example
//
//	environment: development
//	server:
//	  http_addr: "0.0.0.0:8080"
//	skill:
//	  dir: ./skills
//	  follow: greet
//	  beacon:
//	    enter: welcome_to_shop
//	memory:
//	  type: sqlite
//	  path: ./skillbot.db
//	  retention: 10m
//	nlu:
//	  type: rules
//	  intents:
//	    - name: order_pizza
//	      patterns: ["pizza"]
//
// Relative nlu.rules_file and skill.dir paths are resolved against the
// directory holding the configuration file.
package config
