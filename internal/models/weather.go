package models

import "time"

// CurrentConditions is the observed weather at lookup time.
type CurrentConditions struct {
	Temperature float64 `json:"temperature"` // °C
	Rainfall    float64 `json:"rainfall"`    // mm
}

// Forecast is the daily outlook for the looked-up location.
type Forecast struct {
	MaxTemp  float64 `json:"maxTemp"`
	MinTemp  float64 `json:"minTemp"`
	Rainfall float64 `json:"rainfall"`
}

// WeatherRecord is the resolved weather and soil data for a location.
// Values are replaced wholesale, never mutated in place.
type WeatherRecord struct {
	SoilType string            `json:"soilType"`
	Current  CurrentConditions `json:"current"`
	Forecast Forecast          `json:"forecast"`
}

// CachedRecord wraps a WeatherRecord with the name the geocoder resolved and the
// time it was produced. Stored by the cache backends.
type CachedRecord struct {
	Location  string        `json:"location"`
	Record    WeatherRecord `json:"record"`
	Timestamp time.Time     `json:"timestamp"`
}
