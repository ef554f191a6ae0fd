// ABOUTME: Declarative skills loaded from YAML files into the registry
// ABOUTME: Prompts, parsers, sub skills and reply templates are described without Go code

package skill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/parser"
)

// Definition is the YAML form of a skill.
type Definition struct {
	Name                 string                `yaml:"name"`
	ClearContextOnFinish bool                  `yaml:"clear_context_on_finish"`
	Begin                []string              `yaml:"begin"`
	Finish               []string              `yaml:"finish"`
	Required             []ParameterDefinition `yaml:"required"`
	Optional             []ParameterDefinition `yaml:"optional"`
}

// ParameterDefinition is the YAML form of a parameter.
type ParameterDefinition struct {
	Key        string            `yaml:"key"`
	Message    string            `yaml:"message"`
	Choices    []string          `yaml:"choices"`
	Parser     *ParserDefinition `yaml:"parser"`
	SubSkill   []string          `yaml:"sub_skill"`
	OnAccepted string            `yaml:"on_accepted"`
	OnRejected string            `yaml:"on_rejected"`
}

// ParserDefinition names a builtin parser and its policy.
type ParserDefinition struct {
	Type   string         `yaml:"type"`
	Policy map[string]any `yaml:"policy"`
}

// templateData is what reply templates see.
type templateData struct {
	Key       string
	Value     any
	Confirmed map[string]any
	Intent    conversation.Intent
}

// ParseDefinition decodes one YAML skill.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing skill definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("skill definition without name")
	}
	for _, p := range append(append([]ParameterDefinition{}, def.Required...), def.Optional...) {
		if p.Key == "" {
			return nil, fmt.Errorf("skill %s: parameter without key", def.Name)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("skill %s: parameter %s has no message", def.Name, p.Key)
		}
	}
	return &def, nil
}

// RegisterDir registers every *.yaml and *.yml skill found in dir.
func RegisterDir(r *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading skill dir: %w", err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading skill %s: %w", e.Name(), err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		factory, err := def.Factory()
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := r.Register(def.Name, factory); err != nil {
			return err
		}
	}
	return nil
}

// Factory compiles the definition's templates and returns a skill factory.
func (d *Definition) Factory() (Factory, error) {
	begin, err := compileTemplates(d.Name+".begin", d.Begin)
	if err != nil {
		return nil, err
	}
	finish, err := compileTemplates(d.Name+".finish", d.Finish)
	if err != nil {
		return nil, err
	}

	type compiledParam struct {
		def      ParameterDefinition
		accepted *template.Template
		rejected *template.Template
	}
	compile := func(defs []ParameterDefinition) ([]compiledParam, error) {
		out := make([]compiledParam, 0, len(defs))
		for _, p := range defs {
			c := compiledParam{def: p}
			var err error
			if c.accepted, err = compileTemplate(d.Name+"."+p.Key+".accepted", p.OnAccepted); err != nil {
				return nil, err
			}
			if c.rejected, err = compileTemplate(d.Name+"."+p.Key+".rejected", p.OnRejected); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}
	required, err := compile(d.Required)
	if err != nil {
		return nil, err
	}
	optional, err := compile(d.Optional)
	if err != nil {
		return nil, err
	}

	return func() *Skill {
		s := &Skill{
			ClearContextOnFinish: d.ClearContextOnFinish,
			Reactions:            map[string]ReactionFunc{},
		}
		build := func(cp compiledParam) *Parameter {
			p := &Parameter{
				Key:              cp.def.Key,
				MessageToConfirm: AskWith(promptMessage(cp.def.Message, cp.def.Choices)),
				SubSkill:         cp.def.SubSkill,
			}
			if cp.def.Parser != nil {
				p.Parser = Builtin(cp.def.Parser.Type, parser.Policy(cp.def.Parser.Policy))
			}
			if cp.accepted != nil || cp.rejected != nil {
				name := "reaction_" + cp.def.Key
				s.Reactions[name] = templateReaction(cp.def, cp.accepted, cp.rejected)
				p.ReactionName = name
			}
			return p
		}
		for _, cp := range required {
			s.Required = append(s.Required, build(cp))
		}
		for _, cp := range optional {
			s.Optional = append(s.Optional, build(cp))
		}
		if len(begin) > 0 {
			s.Begin = func(_ context.Context, bot Bot, _ *conversation.Event, convo *conversation.Context) error {
				msgs, err := render(begin, templateData{Confirmed: convo.Confirmed, Intent: convo.Intent})
				if err != nil {
					return err
				}
				bot.Queue(msgs...)
				return nil
			}
		}
		if len(finish) > 0 {
			s.Finish = func(ctx context.Context, bot Bot, _ *conversation.Event, convo *conversation.Context) error {
				msgs, err := render(finish, templateData{Confirmed: convo.Confirmed, Intent: convo.Intent})
				if err != nil {
					return err
				}
				return bot.Reply(ctx, msgs...)
			}
		}
		return s
	}, nil
}

// templateReaction queues the accepted reply on success. On rejection the
// rejected text becomes the parameter's prompt, so the question is re-asked with it.
func templateReaction(def ParameterDefinition, accepted, rejected *template.Template) ReactionFunc {
	return func(_ context.Context, rejectErr error, value any, bot Bot, _ *conversation.Event, convo *conversation.Context) error {
		data := templateData{Key: def.Key, Value: value, Confirmed: convo.Confirmed, Intent: convo.Intent}
		if rejectErr != nil {
			if rejected == nil {
				return nil
			}
			text, err := execute(rejected, data)
			if err != nil {
				return err
			}
			return bot.ChangeMessageToConfirm(def.Key, AskWith(promptMessage(text, def.Choices)))
		}
		if accepted == nil {
			return nil
		}
		text, err := execute(accepted, data)
		if err != nil {
			return err
		}
		bot.Queue(conversation.Text(text))
		return nil
	}
}

func promptMessage(text string, choices []string) conversation.Message {
	if len(choices) > 0 {
		return conversation.Buttons(text, choices...)
	}
	return conversation.Text(text)
}

func compileTemplate(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("compiling template %s: %w", name, err)
	}
	return t, nil
}

func compileTemplates(name string, texts []string) ([]*template.Template, error) {
	out := make([]*template.Template, 0, len(texts))
	for i, text := range texts {
		t, err := compileTemplate(fmt.Sprintf("%s.%d", name, i), text)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func execute(t *template.Template, data templateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t.Name(), err)
	}
	return b.String(), nil
}

func render(ts []*template.Template, data templateData) ([]conversation.Message, error) {
	msgs := make([]conversation.Message, 0, len(ts))
	for _, t := range ts {
		text, err := execute(t, data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, conversation.Text(text))
	}
	return msgs, nil
}
