package reasoning

import (
	"fmt"
	"strings"
	"text/template"
)

// Defaults for the grounded-answer prompt. All of them can be replaced
// through configuration.
const (
	DefaultNoInfoPhrase = "Sorry, this information is not mentioned in the document."

	DefaultCitationReminder = "(Answer from the context only and cite the page as [PAGE: x].)"

	DefaultGreeting = "Hello! I can answer questions about the loaded document."

	DefaultSystemTemplate = `You are an assistant that answers questions using ONLY the attached document.

Strict rules:
1. Answer using only the information in the [CONTEXT] section below.
2. Never use knowledge from outside the document, including general knowledge.
3. If the [CONTEXT] does not contain the answer, reply exactly: "{{.NoInfo}}" and do not guess.
4. Always end the answer with the page it came from, for example [PAGE: 5]. Use the number of the nearest [--- Page X START ---] marker above the text you used.

----------------------------------------
[CONTEXT]:
{{.Context}}
----------------------------------------
`
)

// PromptData is the data a system template is executed with.
type PromptData struct {
	Context string
	NoInfo  string
}

func parseTemplate(text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultSystemTemplate
	}
	t, err := template.New("system").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing system template: %w", err)
	}
	return t, nil
}

// BuildSystemInstruction renders tmpl with the page-marked document text and
// the no-information phrase. An empty tmpl uses DefaultSystemTemplate.
func BuildSystemInstruction(tmpl, context, noInfo string) (string, error) {
	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	return render(t, context, noInfo)
}

func render(t *template.Template, context, noInfo string) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, PromptData{Context: context, NoInfo: noInfo}); err != nil {
		return "", fmt.Errorf("executing system template: %w", err)
	}
	return b.String(), nil
}

// withReminder appends the citation reminder to the user's question.
func withReminder(question, reminder string) string {
	if reminder == "" {
		return question
	}
	return question + "\n" + reminder
}
