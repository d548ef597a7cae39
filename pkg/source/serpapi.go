package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxComparisonTerms is the most keywords Google Trends compares at once.
const MaxComparisonTerms = 5

// SerpAPI fetches Google Trends interest-over-time data through SerpApi.
type SerpAPI struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	geo      string
	language string
}

// NewSerpAPI creates a new SerpApi trends client.
func NewSerpAPI(baseURL, apiKey, geo, language string) (*SerpAPI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: serpapi api key is not set", ErrConfiguration)
	}
	if baseURL == "" {
		baseURL = "https://serpapi.com/search.json"
	}
	return &SerpAPI{
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		geo:      geo,
		language: language,
	}, nil
}

func (s *SerpAPI) Name() string { return "serpapi" }

func (s *SerpAPI) Fetch(ctx context.Context, keywords []string, window string) (map[string][]Sample, error) {
	if len(keywords) == 0 {
		return map[string][]Sample{}, nil
	}
	if len(keywords) > MaxComparisonTerms {
		return nil, fmt.Errorf("serpapi: %d keywords exceeds comparison limit %d", len(keywords), MaxComparisonTerms)
	}

	params := url.Values{}
	params.Set("engine", "google_trends")
	params.Set("data_type", "TIMESERIES")
	params.Set("q", strings.Join(keywords, ","))
	params.Set("date", window)
	if s.geo != "" {
		params.Set("geo", s.geo)
	}
	if s.language != "" {
		params.Set("hl", s.language)
	}
	params.Set("api_key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create serpapi request: %w", err)
	}
	req.Header.Set("User-Agent", "brandstreet/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch serpapi trends: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serpapi status %d", resp.StatusCode)
	}

	var result serpResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode serpapi response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("serpapi: %s", result.Error)
	}

	// The echoed query may differ in case from what was asked for.
	requested := make(map[string]string, len(keywords))
	for _, kw := range keywords {
		requested[strings.ToLower(kw)] = kw
	}

	series := make(map[string][]Sample)
	for _, point := range result.InterestOverTime.TimelineData {
		ts := parseUnix(point.Timestamp)
		for _, v := range point.Values {
			kw, ok := requested[strings.ToLower(v.Query)]
			if !ok {
				continue
			}
			series[kw] = append(series[kw], Sample{Time: ts, Value: v.ExtractedValue})
		}
	}
	return series, nil
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

type serpResult struct {
	Error            string           `json:"error"`
	InterestOverTime serpInterestData `json:"interest_over_time"`
}

type serpInterestData struct {
	TimelineData []serpTimelinePoint `json:"timeline_data"`
}

type serpTimelinePoint struct {
	Date      string      `json:"date"`
	Timestamp string      `json:"timestamp"`
	Values    []serpValue `json:"values"`
}

type serpValue struct {
	Query          string  `json:"query"`
	Value          string  `json:"value"`
	ExtractedValue float64 `json:"extracted_value"`
}
