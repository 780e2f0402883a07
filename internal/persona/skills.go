package persona

import (
	"slices"
	"strings"
	"unicode"
)

// Skill ids
const (
	SkillWebSearch    = "web_search"
	SkillWeather      = "weather"
	SkillConversation = "conversation"
)

// Skill API services
const (
	ServiceTavily  = "tavily"
	ServiceWeather = "weather"
)

// DefaultLocation is used when a weather request names no place
const DefaultLocation = "New York"

// Skill describes one capability of the agent
type Skill struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Icon          string `json:"icon"`
	Category      string `json:"category"`
	RequiresAPI   bool   `json:"requires_api"`
	APIService    string `json:"api_service,omitempty"`
	APIConfigured *bool  `json:"api_configured,omitempty"`
}

var skills = []Skill{
	{
		ID:          SkillWebSearch,
		Name:        "Web Search",
		Description: "Search the internet for information on any topic",
		Icon:        "🔍",
		Category:    "Information",
		RequiresAPI: true,
		APIService:  ServiceTavily,
	},
	{
		ID:          SkillWeather,
		Name:        "Weather Information",
		Description: "Get current weather conditions for any location",
		Icon:        "🌤️",
		Category:    "Information",
		RequiresAPI: true,
		APIService:  ServiceWeather,
	},
	{
		ID:          SkillConversation,
		Name:        "Conversational AI",
		Description: "General chat with persona-driven responses",
		Icon:        "💬",
		Category:    "Communication",
	},
}

var (
	weatherKeywords  = []string{"weather", "temperature", "forecast", "climate", "rain", "sunny", "cloudy"}
	searchKeywords   = []string{"search", "find", "look up", "what is", "who is", "tell me about"}
	locationKeywords = []string{"in", "at", "for"}
)

// DetectSkill picks the skill for a user message. Weather wins over search.
func DetectSkill(input string) string {
	lower := strings.ToLower(input)
	if containsAny(lower, weatherKeywords) {
		return SkillWeather
	}
	if containsAny(lower, searchKeywords) {
		return SkillWebSearch
	}
	return SkillConversation
}

// ExtractLocation returns the word after the last "in", "at" or "for" token
// in input, title-cased.
func ExtractLocation(input string) string {
	fields := strings.Fields(strings.ToLower(input))
	location := ""
	for i := 0; i+1 < len(fields); i++ {
		if !slices.Contains(locationKeywords, trimWord(fields[i])) {
			continue
		}
		if word := trimWord(fields[i+1]); word != "" {
			location = word
		}
	}
	if location == "" {
		return DefaultLocation
	}
	return titleCase(location)
}

func trimWord(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ExtractSearchQuery strips every search keyword from input
func ExtractSearchQuery(input string) string {
	q := strings.ToLower(input)
	for _, kw := range searchKeywords {
		q = strings.TrimSpace(strings.ReplaceAll(q, kw, ""))
	}
	return q
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// titleCase upper-cases each letter that follows a non-letter
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
