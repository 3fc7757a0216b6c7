package gateway

import (
	"bytes"
	"strings"
	"sync"
	"text/template"
	"time"
)

// promptCacheTTL bounds how long a per-device enhanced prompt, or a
// per-location weather/address lookup, is reused before being rebuilt.
const promptCacheTTL = 30 * time.Minute

// PromptManager builds the system prompt sent to the LLM, optionally
// enriching a base prompt with live context (date, weekday, location,
// weather) through a text/template the operator supplies. Grounded on the
// reference implementation's PromptManager: a device's enhanced prompt is
// cached so every turn doesn't re-render the template, and context lookups
// (location, weather) are cached independently by key so many devices in
// the same city share one weather fetch.
//
// Safe for concurrent use.
type PromptManager struct {
	mu        sync.Mutex
	tmpl      *template.Template
	devices   map[string]cacheEntry
	locations map[string]cacheEntry
	weather   map[string]cacheEntry

	// WeatherLookup resolves a city name to a human-readable weather
	// summary. Nil disables weather enrichment.
	WeatherLookup func(location string) (string, error)
	// LocationLookup resolves a client IP to a city name. Nil disables
	// location enrichment.
	LocationLookup func(clientIP string) (string, error)
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// promptTemplateData is the set of fields available to the base prompt
// template, mirroring build_enhanced_prompt's render() call.
type promptTemplateData struct {
	BasePrompt   string
	TodayDate    string
	TodayWeekday string
	LocalAddress string
	WeatherInfo  string
}

// NewPromptManager constructs a PromptManager. templateText is the base
// prompt template (Go text/template syntax); an empty string disables
// enrichment entirely and GetPrompt/BuildEnhancedPrompt become passthroughs.
func NewPromptManager(templateText string) (*PromptManager, error) {
	pm := &PromptManager{
		devices:   make(map[string]cacheEntry),
		locations: make(map[string]cacheEntry),
		weather:   make(map[string]cacheEntry),
	}
	if strings.TrimSpace(templateText) == "" {
		return pm, nil
	}
	tmpl, err := template.New("system-prompt").Parse(templateText)
	if err != nil {
		return nil, err
	}
	pm.tmpl = tmpl
	return pm, nil
}

// QuickPrompt returns deviceID's cached enhanced prompt if one is still
// fresh, otherwise userPrompt unchanged — the fast path used at connection
// setup before a slower BuildEnhancedPrompt call can complete.
func (pm *PromptManager) QuickPrompt(userPrompt, deviceID string) string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if entry, ok := pm.devices[deviceID]; ok && time.Now().Before(entry.expires) {
		return entry.value
	}
	return userPrompt
}

// BuildEnhancedPrompt renders the base template with live context for
// deviceID/clientIP and caches the result. If no template was configured,
// userPrompt is returned unchanged.
func (pm *PromptManager) BuildEnhancedPrompt(userPrompt, deviceID, clientIP string) string {
	if pm.tmpl == nil {
		return userPrompt
	}

	now := time.Now()
	data := promptTemplateData{
		BasePrompt:   userPrompt,
		TodayDate:    now.Format("2006-01-02"),
		TodayWeekday: now.Weekday().String(),
	}

	if clientIP != "" {
		data.LocalAddress = pm.lookupLocation(clientIP)
		if data.LocalAddress != "" {
			data.WeatherInfo = pm.lookupWeather(data.LocalAddress)
		}
	}

	var buf bytes.Buffer
	if err := pm.tmpl.Execute(&buf, data); err != nil {
		return userPrompt
	}
	enhanced := buf.String()

	pm.mu.Lock()
	pm.devices[deviceID] = cacheEntry{value: enhanced, expires: now.Add(promptCacheTTL)}
	pm.mu.Unlock()

	return enhanced
}

func (pm *PromptManager) lookupLocation(clientIP string) string {
	pm.mu.Lock()
	entry, ok := pm.locations[clientIP]
	pm.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.value
	}
	if pm.LocationLookup == nil {
		return ""
	}
	location, err := pm.LocationLookup(clientIP)
	if err != nil {
		return ""
	}
	pm.mu.Lock()
	pm.locations[clientIP] = cacheEntry{value: location, expires: time.Now().Add(promptCacheTTL)}
	pm.mu.Unlock()
	return location
}

func (pm *PromptManager) lookupWeather(location string) string {
	pm.mu.Lock()
	entry, ok := pm.weather[location]
	pm.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.value
	}
	if pm.WeatherLookup == nil {
		return ""
	}
	weather, err := pm.WeatherLookup(location)
	if err != nil {
		return ""
	}
	pm.mu.Lock()
	pm.weather[location] = cacheEntry{value: weather, expires: time.Now().Add(promptCacheTTL)}
	pm.mu.Unlock()
	return weather
}
