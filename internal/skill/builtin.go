// ABOUTME: Builtin default skill used when the NLU returns the unknown intent
// ABOUTME: Replies with the NLU's fulfillment or text response, or a configured fallback

package skill

import (
	"context"
	"math/rand/v2"

	"github.com/2389/skillbot/internal/conversation"
)

// DefaultSkillName is the registry name of the builtin default skill.
const DefaultSkillName = "builtin_default"

// DefaultSkill returns a factory for the builtin default skill. On finish it
// replies with a random fulfillment message of the intent, else its text
// response, else fallback. With nothing to say it stays silent.
func DefaultSkill(fallback string) Factory {
	return func() *Skill {
		return &Skill{
			Finish: func(ctx context.Context, bot Bot, _ *conversation.Event, convo *conversation.Context) error {
				intent := convo.Intent
				switch {
				case len(intent.Fulfillment) > 0:
					return bot.Reply(ctx, intent.Fulfillment[rand.IntN(len(intent.Fulfillment))])
				case intent.TextResponse != "":
					return bot.Reply(ctx, conversation.Text(intent.TextResponse))
				case fallback != "":
					return bot.Reply(ctx, conversation.Text(fallback))
				}
				return nil
			},
		}
	}
}
