package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMentions(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    []Mention
	}{
		{
			name:    "command with parameters",
			content: `@bot-editorial assign reviewer=ada@uni.edu note="please hurry"`,
			want: []Mention{{BotID: "bot-editorial", Command: "assign", Parameters: map[string]any{
				"reviewer": "ada@uni.edu",
				"note":     "please hurry",
			}}},
		},
		{
			name:    "bare mention runs help",
			content: "hey @Bot-Reference, can you look?",
			want:    []Mention{{BotID: "bot-reference", Command: HelpCommand, Parameters: map[string]any{}}},
		},
		{
			name:    "one invocation per bot",
			content: "@bot-a check\n@bot-b format style=apa\n@bot-a again",
			want: []Mention{
				{BotID: "bot-a", Command: "check", Parameters: map[string]any{}},
				{BotID: "bot-b", Command: "format", Parameters: map[string]any{"style": "apa"}},
			},
		},
		{
			name:    "two bots on one line",
			content: "@bot-a check @bot-b",
			want: []Mention{
				{BotID: "bot-a", Command: "check", Parameters: map[string]any{}},
				{BotID: "bot-b", Command: HelpCommand, Parameters: map[string]any{}},
			},
		},
		{
			name:    "prose after a bare mention is not a command",
			content: "@bot-a: please check the references",
			want:    []Mention{{BotID: "bot-a", Command: HelpCommand, Parameters: map[string]any{}}},
		},
		{
			name:    "email addresses are not mentions",
			content: "write to editor@journal.org",
		},
		{
			name:    "parameters before any command leave help",
			content: "@bot-a round=2",
			want:    []Mention{{BotID: "bot-a", Command: HelpCommand, Parameters: map[string]any{"round": "2"}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseMentions(tc.content))
		})
	}
}

func TestTokenizeKeepsQuotedRuns(t *testing.T) {
	assert.Equal(t, []string{"a", "b c", "k=v w", ""}, tokenize(`a "b c" k="v w" ""`))
}
