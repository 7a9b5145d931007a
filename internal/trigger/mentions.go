package trigger

import (
	"regexp"
	"strings"
	"unicode"
)

// HelpCommand runs when a bot is mentioned without a command.
const HelpCommand = "help"

// Mention is one `@bot-id command key=value ...` invocation found in a message.
type Mention struct {
	BotID      string
	Command    string
	Parameters map[string]any
}

var mentionPattern = regexp.MustCompile(`^@([A-Za-z0-9][A-Za-z0-9_-]*)[,:;.!?]*$`)

// ParseMentions extracts one mention per distinct bot id, in order of first
// appearance. A mention runs until the next mention or the end of its line.
func ParseMentions(content string) []Mention {
	var (
		out  []Mention
		seen = map[string]bool{}
	)
	for _, line := range strings.Split(content, "\n") {
		var cur *Mention
		flush := func() {
			if cur == nil {
				return
			}
			if cur.Command == "" {
				cur.Command = HelpCommand
			}
			if !seen[cur.BotID] {
				seen[cur.BotID] = true
				out = append(out, *cur)
			}
			cur = nil
		}
		for _, tok := range tokenize(line) {
			if m := mentionPattern.FindStringSubmatch(tok); m != nil {
				flush()
				cur = &Mention{BotID: strings.ToLower(m[1]), Parameters: map[string]any{}}
				// "@bot, can you..." is a bare mention followed by prose
				if len(tok) > len(m[1])+1 {
					cur.Command = HelpCommand
				}
				continue
			}
			if cur == nil {
				continue
			}
			if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
				cur.Parameters[k] = v
				continue
			}
			if cur.Command == "" && len(cur.Parameters) == 0 {
				cur.Command = tok
			}
		}
		flush()
	}
	return out
}

// tokenize splits on whitespace, keeping double-quoted runs together and dropping the quotes.
func tokenize(line string) []string {
	var (
		out     []string
		b       strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case unicode.IsSpace(r) && !quoted:
			if pending {
				out = append(out, b.String())
				b.Reset()
				pending = false
			}
		default:
			b.WriteRune(r)
			pending = true
		}
	}
	if pending {
		out = append(out, b.String())
	}
	return out
}
