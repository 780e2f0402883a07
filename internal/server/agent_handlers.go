package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

func (s *Server) registerAgentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/set_persona", s.handleSetPersona)
	mux.HandleFunc("GET /api/greet", s.handleGreet)
	mux.HandleFunc("POST /api/respond", s.handleRespond)
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/weather", s.handleWeather)
	mux.HandleFunc("GET /api/api_keys", s.handleGetAPIKeys)
	mux.HandleFunc("POST /api/api_keys", s.handleUpdateAPIKeys)
	mux.HandleFunc("GET /api/persona_info", s.handlePersonaInfo)
	mux.HandleFunc("GET /api/skills", s.handleSkills)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/conversation_history", s.handleConversationHistory)
	mux.HandleFunc("DELETE /api/conversation_history", s.handleClearConversation)
}

// agentFailure reports a failed persona action. Missing TTS keeps its
// not-configured mapping.
func (s *Server) agentFailure(w http.ResponseWriter, err error, message string) {
	log.Printf("[server] %s: %v", strings.ToLower(message), err)
	ae := errorFor(err)
	if ae.code != security.ErrCodeNotConfigured {
		ae = apiError{http.StatusInternalServerError, security.ErrCodeUpstream, message}
	}
	s.writeAPIError(w, err, ae)
}

// readAgentBody decodes a JSON body under the body limit
func (s *Server) readAgentBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := s.limitBody(w, r); err != nil {
		return err
	}
	return decodeJSON(r, v)
}

func (s *Server) handleSetPersona(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Persona string `json:"persona"`
	}
	if err := s.readAgentBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.agent.SetPersona(body.Persona)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Persona set to " + p.Name + " " + p.Emoji,
		"persona":      p.Key,
		"persona_info": p,
	})
}

func (s *Server) handleGreet(w http.ResponseWriter, r *http.Request) {
	spoken, err := s.agent.Greet(r.Context())
	if err != nil {
		s.agentFailure(w, err, "Failed to generate greeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   s.agent.Current().Name + " says hello!",
		"audio_url": spoken.AudioURL,
		"persona":   spoken.Persona,
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := s.readAgentBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	message := strings.TrimSpace(body.Message)
	if message == "" {
		s.writeError(w, errNoMessage)
		return
	}

	spoken, err := s.agent.Respond(r.Context(), message)
	if err != nil {
		s.agentFailure(w, err, "Failed to generate response")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Response generated",
		"response":   spoken.Styled,
		"audio_url":  spoken.AudioURL,
		"user_input": message,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := s.readAgentBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	query := strings.TrimSpace(body.Query)
	if query == "" {
		s.writeError(w, errNoQuery)
		return
	}

	results, spoken, err := s.agent.SearchAndSpeak(r.Context(), query)
	if err != nil {
		s.agentFailure(w, err, "Failed to generate search response")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Search completed",
		"results":   results,
		"response":  spoken.Styled,
		"audio_url": spoken.AudioURL,
		"query":     query,
	})
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Location string `json:"location"`
	}
	if err := s.readAgentBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	location := strings.TrimSpace(body.Location)
	if location == "" {
		location = persona.DefaultLocation
	}

	report, spoken, err := s.agent.WeatherAndSpeak(r.Context(), location)
	if err != nil {
		s.agentFailure(w, err, "Failed to generate weather response")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Weather information retrieved",
		"weather":   report,
		"response":  spoken.Styled,
		"audio_url": spoken.AudioURL,
		"location":  location,
	})
}

func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "API key status retrieved",
		"status":  s.agent.APIKeyStatus(),
	})
}

func (s *Server) handleUpdateAPIKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKeys map[string]string `json:"api_keys"`
	}
	if err := s.readAgentBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.APIKeys) == 0 {
		s.writeAPIError(w, errBadBody, badRequest("No API keys provided"))
		return
	}

	s.agent.UpdateAPIKeys(body.APIKeys)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "API keys updated",
		"status":  s.agent.APIKeyStatus(),
	})
}

func (s *Server) handlePersonaInfo(w http.ResponseWriter, r *http.Request) {
	current := s.agent.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"current_persona": current.Key,
		"persona_info":    current,
		"all_personas":    persona.Summaries(),
	})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"skills":     s.agent.Skills(),
		"api_status": s.agent.APIKeyStatus(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Agent statistics",
		"stats":   s.agent.Stats(),
	})
}

func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	history := s.agent.History()
	if history == nil {
		history = []persona.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Conversation history retrieved",
		"history":       history,
		"total_entries": len(history),
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	s.agent.ClearHistory()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Conversation history cleared",
	})
}
