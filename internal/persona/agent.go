package persona

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/voiceagent/internal/tts"
)

var (
	// ErrUnknownPersona is returned for keys outside the persona table.
	ErrUnknownPersona = errors.New("invalid persona")

	// ErrNoSynthesizer is returned when speech is requested without TTS.
	ErrNoSynthesizer = errors.New("text-to-speech is not configured")
)

// LogEntry records one spoken line
type LogEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Persona      string    `json:"persona"`
	OriginalText string    `json:"original_text"`
	StyledText   string    `json:"styled_text"`
}

// KeyStatus reports whether a skill API key is usable
type KeyStatus struct {
	Configured  bool     `json:"configured"`
	ServiceName string   `json:"service_name"`
	RequiredFor []string `json:"required_for"`
}

// Stats summarizes the agent
type Stats struct {
	CurrentPersona      string               `json:"current_persona"`
	TotalPersonas       int                  `json:"total_personas"`
	AvailableSkills     int                  `json:"available_skills"`
	ConversationEntries int                  `json:"conversation_entries"`
	APIKeyStatus        map[string]KeyStatus `json:"api_key_status"`
	Skills              []Skill              `json:"skills"`
	Personas            map[string]Summary   `json:"personas"`
}

// Spoken is a styled line and, when TTS succeeded, its audio
type Spoken struct {
	Persona  string
	Original string
	Styled   string
	AudioURL string
}

// Agent is the roleplay voice agent. It is safe for concurrent use; the
// persona selection, conversation log and API keys share one lock.
type Agent struct {
	mu      sync.RWMutex
	current string
	keys    map[string]string
	history []LogEntry

	synth   tts.Synthesizer
	search  *searchClient
	weather *weatherClient
}

// Option configures an Agent
type Option func(*Agent)

// WithAPIKeys sets the skill API keys. Empty values keep the demo keys.
func WithAPIKeys(tavily, weather string) Option {
	return func(a *Agent) {
		if tavily != "" {
			a.keys[ServiceTavily] = tavily
		}
		if weather != "" {
			a.keys[ServiceWeather] = weather
		}
	}
}

// WithDefaultPersona selects the starting persona. Unknown keys are ignored.
func WithDefaultPersona(key string) Option {
	return func(a *Agent) {
		if p, ok := Lookup(key); ok {
			a.current = p.Key
		}
	}
}

// WithSearchURL overrides the Tavily base URL
func WithSearchURL(u string) Option {
	return func(a *Agent) {
		if u != "" {
			a.search.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithWeatherURL overrides the OpenWeatherMap base URL
func WithWeatherURL(u string) Option {
	return func(a *Agent) {
		if u != "" {
			a.weather.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the client used by both skills
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Agent) {
		if hc != nil {
			a.search.httpClient = hc
			a.weather.httpClient = hc
		}
	}
}

// NewAgent creates an agent speaking through synth. A nil synth still styles
// and logs replies but returns ErrNoSynthesizer where audio is needed.
func NewAgent(synth tts.Synthesizer, opts ...Option) *Agent {
	hc := &http.Client{Timeout: skillTimeout}
	a := &Agent{
		current: DefaultPersona,
		keys: map[string]string{
			ServiceTavily:  demoKey(ServiceTavily),
			ServiceWeather: demoKey(ServiceWeather),
		},
		synth:   synth,
		search:  &searchClient{baseURL: defaultTavilyURL, httpClient: hc},
		weather: &weatherClient{baseURL: defaultWeatherURL, httpClient: hc},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func demoKey(service string) string {
	return "demo-" + service + "-key"
}

// SetPersona switches the active persona. Keys are case-insensitive.
func (a *Agent) SetPersona(key string) (Persona, error) {
	p, ok := Lookup(key)
	if !ok {
		log.Printf("[persona] invalid persona: %q", key)
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	a.mu.Lock()
	a.current = p.Key
	a.mu.Unlock()
	log.Printf("[persona] persona set to %s", p.Name)
	return p, nil
}

// Current returns the active persona
func (a *Agent) Current() Persona {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return personas[a.current]
}

// Greet speaks the active persona's greeting
func (a *Agent) Greet(ctx context.Context) (Spoken, error) {
	return a.speak(ctx, a.Current().Greeting)
}

// Respond answers a user message. Weather and search requests run the
// matching skill; anything else gets the persona's small talk.
func (a *Agent) Respond(ctx context.Context, input string) (Spoken, error) {
	p := a.Current()

	var reply string
	switch DetectSkill(input) {
	case SkillWeather:
		reply = p.weatherIntro + a.Weather(ctx, ExtractLocation(input))
	case SkillWebSearch:
		reply = p.searchIntro + a.Search(ctx, ExtractSearchQuery(input))
	default:
		reply = p.converse(input)
	}
	return a.speak(ctx, reply)
}

// SearchAndSpeak runs a web search and speaks the persona's summary
func (a *Agent) SearchAndSpeak(ctx context.Context, query string) (string, Spoken, error) {
	results := a.Search(ctx, query)
	spoken, err := a.speak(ctx, a.Current().searchIntro+results)
	return results, spoken, err
}

// WeatherAndSpeak fetches the weather and speaks the persona's summary
func (a *Agent) WeatherAndSpeak(ctx context.Context, location string) (string, Spoken, error) {
	if strings.TrimSpace(location) == "" {
		location = DefaultLocation
	}
	report := a.Weather(ctx, location)
	spoken, err := a.speak(ctx, a.Current().weatherIntro+report)
	return report, spoken, err
}

// Search returns a spoken-style summary of web results. Without a Tavily
// key the result is simulated; failures become an apology.
func (a *Agent) Search(ctx context.Context, query string) string {
	key, configured := a.key(ServiceTavily)
	if !configured {
		log.Printf("[persona] using demo mode for web search, configure a Tavily API key for real results")
		return demoSearch(query)
	}
	results, err := a.search.search(ctx, key, query)
	if err != nil {
		logSkillError("web search", err)
		return "Sorry, I encountered an error while searching: " + err.Error()
	}
	return formatSearchResults(query, results)
}

// Weather returns the current conditions for location. Without a weather
// key the report is simulated; failures become an apology.
func (a *Agent) Weather(ctx context.Context, location string) string {
	key, configured := a.key(ServiceWeather)
	if !configured {
		log.Printf("[persona] using demo mode for weather, configure a Weather API key for real results")
		return demoWeather(location)
	}
	report, err := a.weather.current(ctx, key, location)
	if err != nil {
		logSkillError("weather", err)
		return "Sorry, I couldn't get weather information: " + err.Error()
	}
	return report
}

// speak styles text, logs it and synthesizes the styled line
func (a *Agent) speak(ctx context.Context, text string) (Spoken, error) {
	a.mu.Lock()
	p := personas[a.current]
	styled := p.Style(text)
	a.history = append(a.history, LogEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Persona:      p.Key,
		OriginalText: text,
		StyledText:   styled,
	})
	a.mu.Unlock()

	spoken := Spoken{Persona: p.Key, Original: text, Styled: styled}
	if a.synth == nil {
		return spoken, ErrNoSynthesizer
	}
	res, err := a.synth.Synthesize(ctx, styled, tts.Options{})
	if err != nil {
		log.Printf("[persona] speech generation failed: %v", err)
		return spoken, err
	}
	spoken.AudioURL = res.AudioURL
	return spoken, nil
}

func (a *Agent) key(service string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k := a.keys[service]
	return k, k != "" && k != demoKey(service)
}

// UpdateAPIKeys stores trimmed, non-blank keys for known services. Other
// entries are ignored.
func (a *Agent) UpdateAPIKeys(keys map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for service, k := range keys {
		k = strings.TrimSpace(k)
		if _, known := a.keys[service]; !known || k == "" {
			continue
		}
		a.keys[service] = k
		log.Printf("[persona] updated API key for %s", service)
	}
}

// APIKeyStatus reports each service's key state
func (a *Agent) APIKeyStatus() map[string]KeyStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.apiKeyStatusLocked()
}

func (a *Agent) apiKeyStatusLocked() map[string]KeyStatus {
	out := make(map[string]KeyStatus, len(a.keys))
	for service, k := range a.keys {
		required := []string{}
		for _, s := range skills {
			if s.APIService == service {
				required = append(required, s.Name)
			}
		}
		out[service] = KeyStatus{
			Configured:  k != "" && k != demoKey(service),
			ServiceName: titleCase(service),
			RequiredFor: required,
		}
	}
	return out
}

// Skills lists the skills with their API key state filled in
func (a *Agent) Skills() []Skill {
	status := a.APIKeyStatus()
	return withKeyState(status)
}

func withKeyState(status map[string]KeyStatus) []Skill {
	out := make([]Skill, len(skills))
	copy(out, skills)
	for i := range out {
		if out[i].RequiresAPI && out[i].APIService != "" {
			configured := status[out[i].APIService].Configured
			out[i].APIConfigured = &configured
		}
	}
	return out
}

// History returns a copy of the conversation log
func (a *Agent) History() []LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]LogEntry, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory empties the conversation log
func (a *Agent) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// Stats summarizes the agent state
func (a *Agent) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	status := a.apiKeyStatusLocked()
	return Stats{
		CurrentPersona:      a.current,
		TotalPersonas:       len(personas),
		AvailableSkills:     len(skills),
		ConversationEntries: len(a.history),
		APIKeyStatus:        status,
		Skills:              withKeyState(status),
		Personas:            Summaries(),
	}
}
