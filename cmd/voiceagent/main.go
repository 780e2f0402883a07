package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voiceagent",
		Short:         "Conversational voice agent server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `voiceagent serves text-to-speech, transcription, LLM chat and a streaming
voice relay over HTTP, plus a persona agent that answers in character.`,
	}

	root.AddCommand(newServeCmd(), newChatCmd(), newPersonasCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setLogLevel switches on verbose provider logging for "debug"
func setLogLevel(level string) {
	if strings.EqualFold(level, "debug") {
		_ = os.Setenv("VOICEAGENT_DEBUG", "true")
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
