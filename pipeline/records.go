package pipeline

import "time"

// FlightRecord is one row of the cleaned flights dataset.
type FlightRecord struct {
	TravelCode string    `json:"travel_code"`
	UserCode   string    `json:"user_code"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	FlightType string    `json:"flight_type"`
	Price      float64   `json:"price"`
	Time       float64   `json:"time"`
	Distance   float64   `json:"distance"`
	Agency     string    `json:"agency"`
	Date       time.Time `json:"date"`
}

// HotelRecord is one hotel booking. Price is the nightly rate.
type HotelRecord struct {
	TravelCode string    `json:"travel_code"`
	UserCode   string    `json:"user_code"`
	Name       string    `json:"name"`
	Place      string    `json:"place"`
	Days       int       `json:"days"`
	Price      float64   `json:"price"`
	Total      float64   `json:"total"`
	Date       time.Time `json:"date"`
}

type UserRecord struct {
	Code    string `json:"code"`
	Company string `json:"company"`
	Name    string `json:"name"`
	Gender  string `json:"gender"`
	Age     int    `json:"age"`
}

// PriceFeatureNames is the field order the flight price model is trained on and the
// key set the /predict endpoint expects.
var PriceFeatureNames = []string{"from", "to", "flightType", "time", "distance", "agency", "day", "month", "year"}

// PriceFeatureKinds parallels PriceFeatureNames.
var PriceFeatureKinds = []string{"categorical", "categorical", "categorical", "numeric", "numeric", "categorical", "numeric", "numeric", "numeric"}

// Features returns the record as model input in PriceFeatureNames order.
func (f FlightRecord) Features() []interface{} {
	return []interface{}{
		f.From,
		f.To,
		f.FlightType,
		f.Time,
		f.Distance,
		f.Agency,
		float64(f.Date.Day()),
		float64(f.Date.Month()),
		float64(f.Date.Year()),
	}
}

// FeatureMap is Features keyed by name, the shape of a /predict request body.
func (f FlightRecord) FeatureMap() map[string]interface{} {
	values := f.Features()
	out := make(map[string]interface{}, len(values))
	for i, name := range PriceFeatureNames {
		out[name] = values[i]
	}
	return out
}
