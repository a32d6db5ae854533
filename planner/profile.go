package planner

import "voyage/config"

// FlightProfile is the synthetic flight priced for every candidate destination.
// Only origin and destination vary per call, so estimates are biased toward this
// cabin, airline, distance and date. It approximates a real fare search.
type FlightProfile struct {
	FlightType string  `json:"flightType"`
	Agency     string  `json:"agency"`
	Time       float64 `json:"time"`
	Distance   float64 `json:"distance"`
	Day        int     `json:"day"`
	Month      int     `json:"month"`
	Year       int     `json:"year"`
}

var DefaultFlightProfile = FlightProfile{
	FlightType: "firstClass",
	Agency:     "FlyingDrops",
	Time:       1.5,
	Distance:   600,
	Day:        10,
	Month:      10,
	Year:       2019,
}

// ProfileFromConfig overlays the configured values on DefaultFlightProfile.
func ProfileFromConfig(c config.FlightProfileConfig) FlightProfile {
	p := DefaultFlightProfile
	if c.FlightType != "" {
		p.FlightType = c.FlightType
	}
	if c.Agency != "" {
		p.Agency = c.Agency
	}
	if c.Time != 0 {
		p.Time = c.Time
	}
	if c.Distance != 0 {
		p.Distance = c.Distance
	}
	if c.Day != 0 {
		p.Day = c.Day
	}
	if c.Month != 0 {
		p.Month = c.Month
	}
	if c.Year != 0 {
		p.Year = c.Year
	}
	return p
}

// Fields builds the price model request for one route.
func (p FlightProfile) Fields(origin, destination string) map[string]interface{} {
	return map[string]interface{}{
		"from":       origin,
		"to":         destination,
		"flightType": p.FlightType,
		"agency":     p.Agency,
		"time":       p.Time,
		"distance":   p.Distance,
		"day":        p.Day,
		"month":      p.Month,
		"year":       p.Year,
	}
}
