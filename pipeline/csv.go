package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{"01/02/2006", "2006-01-02", "2006-01-02 15:04:05", time.RFC3339}

// RowError records a row that could not be parsed at all.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// table reads a headered CSV and exposes columns by name.
type table struct {
	header map[string]int
	rows   [][]string
}

func readTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	t := &table{header: make(map[string]int, len(head))}
	for i, name := range head {
		t.header[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

func (t *table) has(name string) bool {
	_, ok := t.header[name]
	return ok
}

func (t *table) require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !t.has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("csv missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (t *table) get(row []string, name string) string {
	i, ok := t.header[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) float(row []string, name string) (float64, error) {
	s := t.get(row, name)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", name, s)
	}
	return v, nil
}

func (t *table) int(row []string, name string) (int, error) {
	v, err := t.float(row, name)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// date reads either a single date column or separate day/month/year columns.
func (t *table) date(row []string) (time.Time, error) {
	if t.has("date") {
		return parseDate(t.get(row, "date"))
	}
	if t.has("day") && t.has("month") && t.has("year") {
		day, err := t.int(row, "day")
		if err != nil {
			return time.Time{}, err
		}
		month, err := t.int(row, "month")
		if err != nil {
			return time.Time{}, err
		}
		year, err := t.int(row, "year")
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("date: unrecognized format %q", s)
}

// ReadFlights parses the flights dataset. Rows that fail to parse are returned as
// RowErrors rather than aborting the read.
func ReadFlights(r io.Reader) ([]FlightRecord, []RowError, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, nil, err
	}
	if err := t.require("from", "to", "flightType", "price", "time", "distance", "agency"); err != nil {
		return nil, nil, err
	}

	var out []FlightRecord
	var rowErrs []RowError
	for i, row := range t.rows {
		rec := FlightRecord{
			TravelCode: t.get(row, "travelCode"),
			UserCode:   t.get(row, "userCode"),
			From:       t.get(row, "from"),
			To:         t.get(row, "to"),
			FlightType: t.get(row, "flightType"),
			Agency:     t.get(row, "agency"),
		}
		if rec.Price, err = t.float(row, "price"); err == nil {
			if rec.Time, err = t.float(row, "time"); err == nil {
				if rec.Distance, err = t.float(row, "distance"); err == nil {
					rec.Date, err = t.date(row)
				}
			}
		}
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: i + 2, Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, rowErrs, nil
}

func ReadHotels(r io.Reader) ([]HotelRecord, []RowError, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, nil, err
	}
	if err := t.require("name", "place", "price"); err != nil {
		return nil, nil, err
	}

	var out []HotelRecord
	var rowErrs []RowError
	for i, row := range t.rows {
		rec := HotelRecord{
			TravelCode: t.get(row, "travelCode"),
			UserCode:   t.get(row, "userCode"),
			Name:       t.get(row, "name"),
			Place:      t.get(row, "place"),
		}
		rec.Price, err = t.float(row, "price")
		if err == nil && t.has("days") {
			rec.Days, err = t.int(row, "days")
		}
		if err == nil && t.has("total") {
			rec.Total, err = t.float(row, "total")
		}
		if err == nil {
			rec.Date, err = t.date(row)
		}
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: i + 2, Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, rowErrs, nil
}

func ReadUsers(r io.Reader) ([]UserRecord, []RowError, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, nil, err
	}
	if err := t.require("name", "gender"); err != nil {
		return nil, nil, err
	}

	var out []UserRecord
	var rowErrs []RowError
	for i, row := range t.rows {
		rec := UserRecord{
			Code:    t.get(row, "code"),
			Company: t.get(row, "company"),
			Name:    t.get(row, "name"),
			Gender:  t.get(row, "gender"),
		}
		if t.has("age") {
			if rec.Age, err = t.int(row, "age"); err != nil {
				rowErrs = append(rowErrs, RowError{Line: i + 2, Err: err})
				continue
			}
		}
		out = append(out, rec)
	}
	return out, rowErrs, nil
}

// ReadFlightsFile and friends open path and delegate to the reader variants.
func ReadFlightsFile(path string) ([]FlightRecord, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadFlights(f)
}

func ReadHotelsFile(path string) ([]HotelRecord, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadHotels(f)
}

func ReadUsersFile(path string) ([]UserRecord, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadUsers(f)
}
