// ABOUTME: Records runtime parameter changes and replays them onto fresh skill instances
// ABOUTME: Functions are logged by name and resolved against the new instance's tables

package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/parser"
)

// ErrUnnamedFunc is returned when a function-valued field without a name is recorded.
var ErrUnnamedFunc = errors.New("function-valued parameter field has no name")

// Change log field names.
const (
	FieldMessageToConfirm = "message_to_confirm"
	FieldParser           = "parser"
	FieldReaction         = "reaction"
	FieldSubSkill         = "sub_skill"
)

type encodedPrompt struct {
	Messages []conversation.Message            `json:"messages,omitempty"`
	Platform map[string][]conversation.Message `json:"platform,omitempty"`
	Func     string                            `json:"func,omitempty"`
}

type encodedParser struct {
	Func    string         `json:"func,omitempty"`
	Builtin string         `json:"builtin,omitempty"`
	Type    string         `json:"type,omitempty"`
	Policy  map[string]any `json:"policy,omitempty"`
}

type encodedReaction struct {
	Func string `json:"func"`
}

// EncodeChange builds a change log entry holding the set fields of p.
func EncodeChange(typ ParamType, p *Parameter) (conversation.ParamChange, error) {
	fields := map[string]json.RawMessage{}

	if p.MessageToConfirm != nil {
		raw, err := encodePrompt(p.MessageToConfirm)
		if err != nil {
			return conversation.ParamChange{}, fmt.Errorf("%s.%s: %w", p.Key, FieldMessageToConfirm, err)
		}
		fields[FieldMessageToConfirm] = raw
	}
	if p.Parser != nil {
		raw, err := encodeParser(p.Parser)
		if err != nil {
			return conversation.ParamChange{}, fmt.Errorf("%s.%s: %w", p.Key, FieldParser, err)
		}
		fields[FieldParser] = raw
	}
	if p.Reaction != nil || p.ReactionName != "" {
		if p.ReactionName == "" {
			return conversation.ParamChange{}, fmt.Errorf("%s.%s: %w", p.Key, FieldReaction, ErrUnnamedFunc)
		}
		raw, err := json.Marshal(encodedReaction{Func: p.ReactionName})
		if err != nil {
			return conversation.ParamChange{}, err
		}
		fields[FieldReaction] = raw
	}
	if p.SubSkill != nil {
		raw, err := json.Marshal(p.SubSkill)
		if err != nil {
			return conversation.ParamChange{}, err
		}
		fields[FieldSubSkill] = raw
	}

	return conversation.ParamChange{Type: string(typ), Key: p.Key, Param: fields}, nil
}

// EncodePromptChange builds a change log entry replacing only the prompt of key.
func EncodePromptChange(typ ParamType, key string, pr *Prompt) (conversation.ParamChange, error) {
	raw, err := encodePrompt(pr)
	if err != nil {
		return conversation.ParamChange{}, fmt.Errorf("%s.%s: %w", key, FieldMessageToConfirm, err)
	}
	return conversation.ParamChange{
		Type:  string(typ),
		Key:   key,
		Param: map[string]json.RawMessage{FieldMessageToConfirm: raw},
	}, nil
}

func encodePrompt(pr *Prompt) (json.RawMessage, error) {
	if pr.Func != nil && pr.FuncName == "" {
		return nil, ErrUnnamedFunc
	}
	return json.Marshal(encodedPrompt{Messages: pr.Messages, Platform: pr.Platform, Func: pr.FuncName})
}

func encodeParser(ps *ParserSpec) (json.RawMessage, error) {
	if ps.Func != nil && ps.FuncName == "" {
		return nil, ErrUnnamedFunc
	}
	return json.Marshal(encodedParser{Func: ps.FuncName, Builtin: ps.Builtin, Policy: ps.Policy})
}

// Revive replays a newest-first change log onto s. Entries are applied oldest
// first so a newer change to a field wins over an older one. Each entry
// shallow-merges its fields into the parameter, creating it when absent.
func Revive(s *Skill, history []conversation.ParamChange, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for i := len(history) - 1; i >= 0; i-- {
		change := history[i]
		typ := ParamType(change.Type)
		set := s.set(typ)
		if set == nil {
			return fmt.Errorf("replaying change for %s: unknown parameter type %q", change.Key, change.Type)
		}

		p := set.Get(change.Key)
		if p == nil {
			p = &Parameter{Key: change.Key}
			*set = append(*set, p)
		}
		if err := s.merge(p, change.Param, logger); err != nil {
			return fmt.Errorf("replaying change for %s: %w", change.Key, err)
		}
	}
	return nil
}

func (s *Skill) merge(p *Parameter, fields map[string]json.RawMessage, logger *slog.Logger) error {
	for field, raw := range fields {
		switch field {
		case FieldMessageToConfirm:
			pr, err := s.decodePrompt(raw)
			if err != nil {
				return err
			}
			p.MessageToConfirm = pr
		case FieldParser:
			ps, err := s.decodeParser(raw)
			if err != nil {
				return err
			}
			p.Parser = ps
		case FieldReaction:
			name, err := decodeFuncName(raw)
			if err != nil {
				return err
			}
			if s.Reactions[name] == nil {
				logger.Warn("reaction not found while reviving skill", "skill", s.Name, "key", p.Key, "reaction", name)
			}
			p.Reaction = nil
			p.ReactionName = name
		case FieldSubSkill:
			var subs []string
			if err := json.Unmarshal(raw, &subs); err != nil {
				return fmt.Errorf("decoding sub_skill: %w", err)
			}
			p.SubSkill = subs
		default:
			logger.Warn("ignoring unknown parameter field in change log", "skill", s.Name, "key", p.Key, "field", field)
		}
	}
	return nil
}

// decodePrompt restores a prompt. A plain string is a literal text prompt, and
// a generator name that no longer resolves is kept as literal text.
func (s *Skill) decodePrompt(raw json.RawMessage) (*Prompt, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return Ask(text), nil
	}

	var enc encodedPrompt
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("decoding message_to_confirm: %w", err)
	}
	pr := &Prompt{Messages: enc.Messages, Platform: enc.Platform}
	if enc.Func != "" {
		if s.Messages[enc.Func] != nil {
			pr.FuncName = enc.Func
		} else if len(pr.Messages) == 0 {
			pr.Messages = []conversation.Message{conversation.Text(enc.Func)}
		}
	}
	return pr, nil
}

// decodeParser restores a parser reference. A name that resolves in
// s.Parsers is a custom parser, anything else is taken as a builtin name.
func (s *Skill) decodeParser(raw json.RawMessage) (*ParserSpec, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return s.parserByName(name, nil), nil
	}

	var enc encodedParser
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("decoding parser: %w", err)
	}
	policy := parser.Policy(enc.Policy)
	switch {
	case enc.Func != "":
		return s.parserByName(enc.Func, policy), nil
	case enc.Builtin != "":
		return Builtin(enc.Builtin, policy), nil
	case enc.Type != "":
		return Builtin(enc.Type, policy), nil
	}
	return nil, fmt.Errorf("decoding parser: no func or builtin in %s", string(raw))
}

func (s *Skill) parserByName(name string, policy parser.Policy) *ParserSpec {
	if s.Parsers[name] != nil {
		return ParseWith(name)
	}
	return Builtin(name, policy)
}

func decodeFuncName(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}
	var enc encodedReaction
	if err := json.Unmarshal(raw, &enc); err != nil {
		return "", fmt.Errorf("decoding reaction: %w", err)
	}
	return enc.Func, nil
}
