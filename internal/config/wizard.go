package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Flipmentor Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := *base
	validator := NewValidator()

	key, err := w.askValid("OpenAI API Key", cfg.OpenAI.APIKey, validator.ValidateAPIKey)
	if err != nil {
		return nil, err
	}
	cfg.OpenAI.APIKey = key

	id, err := w.askValid("Assistant ID", cfg.OpenAI.AssistantID, validator.ValidateAssistantID)
	if err != nil {
		return nil, err
	}
	cfg.OpenAI.AssistantID = id

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Course:")

	if cfg.Course.Name, err = w.ask("Course name", cfg.Course.Name); err != nil {
		return nil, err
	}
	if cfg.Course.AssistantName, err = w.ask("Assistant display name", cfg.Course.AssistantName); err != nil {
		return nil, err
	}

	fmt.Fprintln(w.out)

	backend, err := w.ask("Backend (openai/go-openai)", cfg.OpenAI.Backend)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateBackend(backend); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (openai)\n", err)
		backend = "openai"
	}
	cfg.OpenAI.Backend = backend

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return &cfg, nil
}

// ask prompts once; an empty answer keeps def.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

// askValid prompts until validate accepts the answer.
func (w *Wizard) askValid(prompt, def string, validate func(string) error) (string, error) {
	for {
		value, err := w.ask(prompt, def)
		if err != nil {
			return "", err
		}
		if err := validate(value); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return value, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
