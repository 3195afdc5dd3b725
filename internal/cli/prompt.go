package cli

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"

	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
)

type prompter interface {
	Confirm(message string, def bool) (bool, error)
	Credentials(current credentials.Credentials) (credentials.Credentials, error)
}

type surveyPrompter struct{}

func (surveyPrompter) Confirm(message string, def bool) (bool, error) {
	var ok bool
	prompt := &survey.Confirm{Message: message, Default: def}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, fmt.Errorf("survey failed: %w", err)
	}
	return ok, nil
}

func (surveyPrompter) Credentials(current credentials.Credentials) (credentials.Credentials, error) {
	answers := struct {
		Username string
		APIKey   string `survey:"apikey"`
	}{}
	qs := []*survey.Question{
		{
			Name:     "username",
			Prompt:   &survey.Input{Message: "Lightbucket user name:", Default: current.Username},
			Validate: survey.Required,
		},
		{
			Name:     "apikey",
			Prompt:   &survey.Password{Message: "Lightbucket API key:"},
			Validate: survey.Required,
		},
	}
	if err := survey.Ask(qs, &answers); err != nil {
		return credentials.Credentials{}, fmt.Errorf("survey failed: %w", err)
	}
	return credentials.Credentials{Username: answers.Username, APIKey: answers.APIKey}, nil
}
