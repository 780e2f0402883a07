package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/internal/tts"
)

const historyFile = ".voiceagent_history"

var replCommands = []string{"/persona", "/greet", "/info", "/history", "/personas", "/quit"}

func newChatCmd() *cobra.Command {
	var configFile, personaKey string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a persona in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if personaKey != "" {
				cfg.Agent.DefaultPersona = personaKey
			}

			var synth tts.Synthesizer
			if cfg.Murf.APIKey != "" {
				synth = tts.NewClient(cfg.Murf.APIKey, tts.WithBaseURL(cfg.Murf.BaseURL), tts.WithTimeout(cfg.Murf.Timeout))
			}
			r := &repl{agent: buildAgent(cfg.Agent, synth), out: cmd.OutOrStdout()}
			return r.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", ""), "YAML configuration file")
	cmd.Flags().StringVar(&personaKey, "persona", "", "Starting persona")
	return cmd
}

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the available personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			printPersonas(cmd.OutOrStdout())
			return nil
		},
	}
}

func printPersonas(out io.Writer) {
	for _, p := range persona.All() {
		_, _ = fmt.Fprintf(out, "  %-10s %s %s - %s\n", p.Key, p.Emoji, p.Name, p.Personality)
	}
}

// repl is the interactive persona demo
type repl struct {
	agent *persona.Agent
	out   io.Writer
}

func (r *repl) run(ctx context.Context) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(in string) []string {
		var out []string
		for _, c := range replCommands {
			if strings.HasPrefix(c, in) {
				out = append(out, c)
			}
		}
		return out
	})

	histPath := filepath.Join(os.TempDir(), historyFile)
	if f, err := os.Open(histPath); err == nil { // #nosec G304 - fixed file name in the temp dir
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil { // #nosec G304 - fixed file name in the temp dir
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	_, _ = fmt.Fprintln(r.out, "Voice agent chat. Commands: "+strings.Join(replCommands, ", "))
	r.describe()

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if r.handle(ctx, input) {
			return nil
		}
	}
}

// handle runs one line of input and reports whether the session should end
func (r *repl) handle(ctx context.Context, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		_, _ = fmt.Fprintln(r.out, r.agent.Current().Style("Farewell!"))
		return true
	case "/persona":
		if arg == "" {
			_, _ = fmt.Fprintln(r.out, "Usage: /persona <"+strings.Join(persona.Keys(), "|")+">")
			return false
		}
		if _, err := r.agent.SetPersona(arg); err != nil {
			_, _ = fmt.Fprintf(r.out, "Unknown persona %q\n", arg)
			return false
		}
		r.describe()
	case "/greet":
		spoken, err := r.agent.Greet(ctx)
		r.say(spoken, err)
	case "/info":
		r.describe()
	case "/personas":
		printPersonas(r.out)
	case "/history":
		entries := r.agent.History()
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(r.out, "No conversation yet.")
		}
		for _, e := range entries {
			_, _ = fmt.Fprintf(r.out, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Persona, e.StyledText)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			_, _ = fmt.Fprintf(r.out, "Unknown command %s\n", cmd)
			return false
		}
		spoken, err := r.agent.Respond(ctx, input)
		r.say(spoken, err)
	}
	return false
}

func (r *repl) describe() {
	p := r.agent.Current()
	_, _ = fmt.Fprintf(r.out, "%s %s (%s)\n", p.Emoji, p.Name, p.Personality)
}

// say prints a spoken line. Speech failures are shown but the text still
// counts.
func (r *repl) say(spoken persona.Spoken, err error) {
	_, _ = fmt.Fprintln(r.out, spoken.Styled)
	switch {
	case spoken.AudioURL != "":
		_, _ = fmt.Fprintln(r.out, "  audio: "+spoken.AudioURL)
	case err != nil && !errors.Is(err, persona.ErrNoSynthesizer):
		_, _ = fmt.Fprintf(r.out, "  (speech unavailable: %v)\n", err)
	}
}
