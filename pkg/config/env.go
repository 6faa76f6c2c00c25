package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env files into the process environment. Missing
// files are ignored; existing environment variables win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// defaultAPIKey returns the conventional environment variable for a
// provider's API key.
func defaultAPIKey(t ProviderType) string {
	switch t {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
