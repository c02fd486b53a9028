package selector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/tidwall/pretty"
)

var promptTemplate = template.Must(template.New("winners").Parse(`You are a fair raffle judge. Your task is to select {{.Count}} winner(s) from the participants based on how well their reasons align with the raffle's purpose.

RAFFLE PURPOSE/THEME:
{{.Theme}}

PARTICIPANTS:
{{.Participants}}

SELECTION CRITERIA:
1. Choose participants whose reasons best match or complement the raffle's purpose
2. Consider creativity, relevance, and sincerity in the reasons
3. If reasons are equally good, you may use your judgment
4. Select exactly {{.Count}} winner(s)

Respond in JSON format:
{
    "winners": ["username1", "username2", ...]
}

IMPORTANT: Respond ONLY with valid JSON, no other text. The winners array must contain exactly {{.Count}} username(s) from the participants list.
`))

var promptJSONOptions = &pretty.Options{Width: 80, Indent: "  "}

// Candidate is the part of a participant the oracle is allowed to see.
type Candidate struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

// BuildPrompt renders the judging instructions. The output depends only on
// its arguments, so every replica asks the same question.
func BuildPrompt(theme string, candidates []Candidate, count int) (string, error) {
	raw, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("encode participants: %w", err)
	}
	list := bytes.TrimSpace(pretty.PrettyOptions(raw, promptJSONOptions))

	var buf bytes.Buffer
	err = promptTemplate.Execute(&buf, struct {
		Count        int
		Theme        string
		Participants string
	}{count, theme, string(list)})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
