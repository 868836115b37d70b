package engine

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"
)

// SurveyPrompter reads secrets from the terminal without echoing them.
type SurveyPrompter struct {
	isTerminal func() bool
	ask        func(name string) (string, error)
}

func NewSurveyPrompter() *SurveyPrompter {
	return &SurveyPrompter{
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		ask: func(name string) (string, error) {
			var value string
			err := survey.AskOne(&survey.Password{Message: fmt.Sprintf("Enter the value for %s:", name)}, &value)
			return value, err
		},
	}
}

func (p *SurveyPrompter) Prompt(name string) (string, error) {
	if !p.isTerminal() {
		return "", fmt.Errorf("secret %s is not defined and stdin is not a terminal", name)
	}
	return p.ask(name)
}
