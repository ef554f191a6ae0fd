// ABOUTME: Sentinel errors returned by the flow engine and the bot facade
// ABOUTME: Parser rejections are not listed here; they stay parser.RejectError values

package flow

import "errors"

var (
	// ErrIntentRequired is returned when a push event carries no intent.
	ErrIntentRequired = errors.New("push event requires an intent")

	// ErrParameterNotApplicable is returned when a skill operation names a key
	// the running skill does not declare.
	ErrParameterNotApplicable = errors.New("parameter not applicable")

	// ErrMessageToConfirmMissing is returned when the parameter to collect
	// has no confirmation message.
	ErrMessageToConfirmMissing = errors.New("message to confirm missing")

	// ErrNoSkill is returned by facade operations that need a running skill.
	ErrNoSkill = errors.New("no skill is running")
)
