package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	metrics "github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

const (
	defaultTavilyURL  = "https://api.tavily.com"
	defaultWeatherURL = "https://api.openweathermap.org"
	skillTimeout      = 15 * time.Second
	maxResults        = 3
	snippetLength     = 200
)

// skillError is a failed skill call. Its message never carries the request
// URL, which holds the API key for the weather service.
type skillError struct {
	Service string
	Status  int
	Code    string
}

func (e *skillError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s service returned status %d", e.Service, e.Status)
	}
	switch e.Code {
	case upstream.CodeTimeout:
		return e.Service + " request timed out"
	case upstream.CodeConnection:
		return "could not connect to " + e.Service
	default:
		return e.Service + " request failed"
	}
}

func (e *skillError) ErrorCode() string {
	return e.Code
}

// searchClient queries the Tavily search API
type searchClient struct {
	baseURL    string
	httpClient *http.Client
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyResponse struct {
	Results []searchResult `json:"results"`
}

func (c *searchClient) search(ctx context.Context, apiKey, query string) ([]searchResult, error) {
	ctx, span := observability.StartSpan(ctx, "skill.tavily.search", map[string]any{
		"search.query_length": len(query),
	})
	start := time.Now()

	results, err := c.doSearch(ctx, apiKey, query)

	metrics.RecordUpstreamCall("tavily", "search", statusLabel(err), time.Since(start))
	span.End(err)
	return results, err
}

func (c *searchClient) doSearch(ctx context.Context, apiKey, query string) ([]searchResult, error) {
	payload, err := json.Marshal(tavilyRequest{
		APIKey:      apiKey,
		Query:       query,
		MaxResults:  maxResults,
		SearchDepth: "basic",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &skillError{Service: "search", Code: upstream.ClassifyTransport(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &skillError{Service: "search", Status: resp.StatusCode, Code: upstream.ClassifyStatus(resp.StatusCode)}
	}

	var out tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &skillError{Service: "search", Code: upstream.CodeServer}
	}
	if len(out.Results) > maxResults {
		out.Results = out.Results[:maxResults]
	}
	return out.Results, nil
}

// weatherClient queries the OpenWeatherMap current weather API
type weatherClient struct {
	baseURL    string
	httpClient *http.Client
}

type owmResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func (c *weatherClient) current(ctx context.Context, apiKey, location string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "skill.weather.current", map[string]any{
		"weather.location": location,
	})
	start := time.Now()

	report, err := c.doCurrent(ctx, apiKey, location)

	metrics.RecordUpstreamCall("openweathermap", "current", statusLabel(err), time.Since(start))
	span.End(err)
	return report, err
}

func (c *weatherClient) doCurrent(ctx context.Context, apiKey, location string) (string, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("units", "metric")
	q.Set("appid", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return "", &skillError{Service: "weather", Code: upstream.CodeInvalidRequest}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &skillError{Service: "weather", Code: upstream.ClassifyTransport(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &skillError{Service: "weather", Status: resp.StatusCode, Code: upstream.ClassifyStatus(resp.StatusCode)}
	}

	var out owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &skillError{Service: "weather", Code: upstream.CodeServer}
	}
	return formatWeather(location, out), nil
}

func formatWeather(location string, w owmResponse) string {
	name := w.Name
	if name == "" {
		name = location
	}
	condition, description := "Unknown", ""
	if len(w.Weather) > 0 {
		condition = w.Weather[0].Main
		description = w.Weather[0].Description
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Weather in %s: %d°C, %s. ", name, int(math.Round(w.Main.Temp)), condition)
	// OpenWeatherMap reports metric wind speed in m/s.
	fmt.Fprintf(&b, "Humidity is %d%%, wind speed %d km/h.", w.Main.Humidity, int(math.Round(w.Wind.Speed*3.6)))
	if description != "" {
		fmt.Fprintf(&b, " %s%s.", strings.ToUpper(description[:1]), description[1:])
	}
	return b.String()
}

func formatSearchResults(query string, results []searchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("I couldn't find any results for '%s'. Please try a different search term.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d results for '%s'. ", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&b, "Result %d: %s. %s... ", i+1, r.Title, security.Truncate(r.Content, snippetLength))
	}
	return b.String()
}

func demoSearch(query string) string {
	return formatSearchResults(query, []searchResult{{
		Title:   "Search result for: " + query,
		URL:     "https://example.com/search-result",
		Content: fmt.Sprintf("This is a simulated search result for the query '%s'. Configure your Tavily API key for real web search results.", query),
	}})
}

func demoWeather(location string) string {
	return fmt.Sprintf("Weather in %s: 22°C, Partly Cloudy. Humidity is 65%%, wind speed 15 km/h. "+
		"A pleasant day with some clouds and mild temperatures. Configure your Weather API key for real-time data.", location)
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return upstream.Code(err)
}

func logSkillError(skill string, err error) {
	log.Printf("[persona] %s failed: %v", skill, err)
}
