// ABOUTME: Skill definitions: ordered parameter sets, lifecycle hooks and the Bot facade contract
// ABOUTME: Function-valued fields carry names so runtime changes can be logged and replayed

package skill

import (
	"context"
	"slices"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/parser"
)

// ParamType classifies a parameter key within a skill.
type ParamType string

const (
	TypeRequired      ParamType = "required_parameter"
	TypeOptional      ParamType = "optional_parameter"
	TypeDynamic       ParamType = "dynamic_parameter"
	TypeNotApplicable ParamType = "not_applicable"
)

// Bot is the facade skills use to act on the running conversation.
type Bot interface {
	// Type is the messenger type, e.g. "line" or "matrix".
	Type() string
	// Language is the bot's own language.
	Language() string

	// Reply sends the queued messages plus msgs to the current sender.
	Reply(ctx context.Context, msgs ...conversation.Message) error
	// ReplyToCollect is Reply for prompts that expect an answer.
	ReplyToCollect(ctx context.Context, msgs ...conversation.Message) error
	// Send pushes msgs to a single recipient.
	Send(ctx context.Context, recipientID string, msgs []conversation.Message, language string) error
	// Multicast pushes msgs to several recipients.
	Multicast(ctx context.Context, recipientIDs []string, msgs []conversation.Message, language string) error
	// Queue holds msgs until the next reply.
	Queue(msgs ...conversation.Message)

	// Collect schedules key to be asked next.
	Collect(key string, opts ...CollectOption) error
	// CollectParameter adds or overrides the definition of key and schedules it.
	CollectParameter(key string, param *Parameter, opts ...CollectOption) error
	// ChangeMessageToConfirm replaces the prompt of an existing parameter.
	ChangeMessageToConfirm(key string, prompt *Prompt) error
	// ApplyParameter confirms value for key without parsing and runs its reaction.
	ApplyParameter(ctx context.Context, key string, value any) error
	// CheckParameterType reports which parameter set key belongs to.
	CheckParameterType(key string) ParamType

	// Pause stops processing this turn and keeps the context.
	Pause()
	// Exit stops processing this turn and drops the pending question.
	Exit()
	// Init stops processing this turn and discards the context.
	Init()
}

// HookFunc is a begin or finish hook.
type HookFunc func(ctx context.Context, bot Bot, event *conversation.Event, convo *conversation.Context) error

// ParseFunc validates a raw value for one parameter. Rejections are returned
// as parser.Reject errors.
type ParseFunc func(ctx context.Context, value any, bot Bot, event *conversation.Event, convo *conversation.Context) (any, error)

// ReactionFunc runs after a value was parsed. err is the rejection, or nil on success.
type ReactionFunc func(ctx context.Context, err error, value any, bot Bot, event *conversation.Event, convo *conversation.Context) error

// MessageFunc generates the prompt for a parameter.
type MessageFunc func(ctx context.Context, bot Bot, event *conversation.Event, convo *conversation.Context) ([]conversation.Message, error)

// Prompt is a parameter's confirmation message: static messages, optional
// per-messenger overrides, or a generator.
type Prompt struct {
	Messages []conversation.Message
	Platform map[string][]conversation.Message
	Func     MessageFunc
	// FuncName names Func in Skill.Messages so the prompt survives a replay.
	FuncName string
}

// Ask returns a static text prompt.
func Ask(text string) *Prompt {
	return &Prompt{Messages: []conversation.Message{conversation.Text(text)}}
}

// AskWith returns a static prompt made of msgs.
func AskWith(msgs ...conversation.Message) *Prompt {
	return &Prompt{Messages: msgs}
}

// AskFunc returns a prompt generated by the Skill.Messages entry name.
func AskFunc(name string) *Prompt {
	return &Prompt{FuncName: name}
}

// ParserSpec selects how a parameter value is parsed: a custom function
// (Func, or FuncName resolved in Skill.Parsers) or a builtin parser.
type ParserSpec struct {
	Func     ParseFunc
	FuncName string
	Builtin  string
	Policy   parser.Policy
}

// Builtin references a builtin parser with an optional policy.
func Builtin(name string, policy parser.Policy) *ParserSpec {
	return &ParserSpec{Builtin: name, Policy: policy}
}

// ParseWith references the Skill.Parsers entry name.
func ParseWith(name string) *ParserSpec {
	return &ParserSpec{FuncName: name}
}

// Parameter declares how one value is collected.
type Parameter struct {
	Key              string
	MessageToConfirm *Prompt
	Parser           *ParserSpec
	Reaction         ReactionFunc
	// ReactionName names Reaction in Skill.Reactions so it survives a replay.
	ReactionName string
	// SubSkill lists intents the user may dig into while this parameter is asked.
	SubSkill []string
}

// Parameters is an ordered parameter set.
type Parameters []*Parameter

// Get returns the parameter named key, or nil.
func (ps Parameters) Get(key string) *Parameter {
	for _, p := range ps {
		if p.Key == key {
			return p
		}
	}
	return nil
}

// Keys returns the parameter keys in declaration order.
func (ps Parameters) Keys() []string {
	keys := make([]string, len(ps))
	for i, p := range ps {
		keys[i] = p.Key
	}
	return keys
}

// Skill is a conversation script bound to an intent.
type Skill struct {
	// Name is the registry name the skill was instantiated under.
	Name string

	Required Parameters
	Optional Parameters
	Dynamic  Parameters

	// ClearContextOnFinish discards the context once the skill completes.
	ClearContextOnFinish bool

	Begin  HookFunc
	Finish HookFunc

	// Named functions. Parsers["parse_<key>"] and Reactions["reaction_<key>"]
	// are used for parameters that declare no parser or reaction.
	Parsers   map[string]ParseFunc
	Reactions map[string]ReactionFunc
	Messages  map[string]MessageFunc
}

// ParamType reports which set key belongs to, checking required, optional,
// then dynamic parameters.
func (s *Skill) ParamType(key string) ParamType {
	_, typ := s.Param(key)
	return typ
}

// Param returns the parameter named key and its type.
func (s *Skill) Param(key string) (*Parameter, ParamType) {
	if p := s.Required.Get(key); p != nil {
		return p, TypeRequired
	}
	if p := s.Optional.Get(key); p != nil {
		return p, TypeOptional
	}
	if p := s.Dynamic.Get(key); p != nil {
		return p, TypeDynamic
	}
	return nil, TypeNotApplicable
}

// set returns the parameter set for typ.
func (s *Skill) set(typ ParamType) *Parameters {
	switch typ {
	case TypeRequired:
		return &s.Required
	case TypeOptional:
		return &s.Optional
	case TypeDynamic:
		return &s.Dynamic
	}
	return nil
}

// Upsert replaces the parameter with p.Key in the typ set, or appends p.
func (s *Skill) Upsert(typ ParamType, p *Parameter) {
	set := s.set(typ)
	if set == nil {
		return
	}
	idx := slices.IndexFunc(*set, func(e *Parameter) bool { return e.Key == p.Key })
	if idx >= 0 {
		(*set)[idx] = p
		return
	}
	*set = append(*set, p)
}

// Unconfirmed returns the required keys absent from confirmed, in declaration order.
func (s *Skill) Unconfirmed(confirmed map[string]any) []string {
	keys := []string{}
	for _, p := range s.Required {
		if _, ok := confirmed[p.Key]; !ok {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// ParserFor returns the parse function for key: the parameter's own custom
// parser, else Parsers["parse_<key>"]. It returns nil when the parameter
// relies on a builtin parser or has none.
func (s *Skill) ParserFor(p *Parameter) ParseFunc {
	if p.Parser != nil {
		if p.Parser.Func != nil {
			return p.Parser.Func
		}
		if p.Parser.FuncName != "" {
			return s.Parsers[p.Parser.FuncName]
		}
		return nil
	}
	return s.Parsers["parse_"+p.Key]
}

// ReactionFor returns the reaction for key: the parameter's own reaction,
// else Reactions["reaction_<key>"], else nil.
func (s *Skill) ReactionFor(p *Parameter) ReactionFunc {
	if p.Reaction != nil {
		return p.Reaction
	}
	if p.ReactionName != "" {
		if r := s.Reactions[p.ReactionName]; r != nil {
			return r
		}
	}
	return s.Reactions["reaction_"+p.Key]
}

// PromptFunc resolves the generator of a prompt, or nil for static prompts.
func (s *Skill) PromptFunc(pr *Prompt) MessageFunc {
	if pr.Func != nil {
		return pr.Func
	}
	if pr.FuncName != "" {
		return s.Messages[pr.FuncName]
	}
	return nil
}

// CollectOptions configures Bot.Collect.
type CollectOptions struct {
	Dedup bool
}

// CollectOption customises Bot.Collect.
type CollectOption func(*CollectOptions)

// AllowDuplicate keeps other occurrences of the key in the pending list.
func AllowDuplicate() CollectOption {
	return func(o *CollectOptions) { o.Dedup = false }
}

// ApplyCollectOptions returns the effective options; dedup is on by default.
func ApplyCollectOptions(opts ...CollectOption) CollectOptions {
	o := CollectOptions{Dedup: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
