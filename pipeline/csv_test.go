package pipeline

import (
	"strings"
	"testing"
	"time"
)

const flightsCSV = `travelCode,userCode,from,to,flightType,price,time,distance,agency,date
0,0,Recife (PE),Florianopolis (SC),firstClass,1434.38,1.76,676.53,FlyingDrops,09/26/2019
1,0,Florianopolis (SC),Recife (PE),firstClass,1292.29,1.76,676.53,FlyingDrops,09/30/2019
2,0,Brasilia (DF),Florianopolis (SC),economic,abc,1.66,637.56,CloudFy,10/03/2019
`

func TestReadFlights(t *testing.T) {
	flights, rowErrs, err := ReadFlights(strings.NewReader(flightsCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flights) != 2 {
		t.Fatalf("expected 2 flights, got %d", len(flights))
	}
	if len(rowErrs) != 1 || rowErrs[0].Line != 4 {
		t.Fatalf("expected a row error on line 4, got %v", rowErrs)
	}

	f := flights[0]
	if f.From != "Recife (PE)" || f.Price != 1434.38 || f.Agency != "FlyingDrops" {
		t.Errorf("unexpected record %+v", f)
	}
	if !f.Date.Equal(time.Date(2019, 9, 26, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected date %v", f.Date)
	}

	m := f.FeatureMap()
	if m["day"] != 26.0 || m["month"] != 9.0 || m["year"] != 2019.0 {
		t.Errorf("date not expanded into day/month/year: %v", m)
	}
	if _, ok := m["price"]; ok {
		t.Error("target leaked into the feature map")
	}
}

func TestReadFlightsSplitDateColumns(t *testing.T) {
	src := "from,to,flightType,price,time,distance,agency,day,month,year\n" +
		"Recife (PE),Natal (RN),premium,900,1.2,500,Rainbow,3,11,2020\n"
	flights, rowErrs, err := ReadFlights(strings.NewReader(src))
	if err != nil || len(rowErrs) != 0 {
		t.Fatalf("unexpected errors: %v %v", err, rowErrs)
	}
	if d := flights[0].Date; d.Day() != 3 || d.Month() != time.November || d.Year() != 2020 {
		t.Errorf("unexpected date %v", d)
	}
}

func TestReadFlightsMissingColumns(t *testing.T) {
	if _, _, err := ReadFlights(strings.NewReader("from,to\nA,B\n")); err == nil {
		t.Fatal("expected an error for missing columns")
	}
	if _, _, err := ReadFlights(strings.NewReader("")); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestReadHotelsAndUsers(t *testing.T) {
	hotels, _, err := ReadHotels(strings.NewReader(
		"travelCode,userCode,name,place,days,price,total,date\n" +
			"0,0,Hotel A,Florianopolis (SC),4,313.02,1252.08,2019-09-26\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hotels) != 1 || hotels[0].Days != 4 || hotels[0].Total != 1252.08 {
		t.Errorf("unexpected hotels %+v", hotels)
	}

	users, _, err := ReadUsers(strings.NewReader(
		"code,company,name,gender,age\n0,4You,Roy Braun,male,21\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 || users[0].Age != 21 || users[0].Gender != "male" {
		t.Errorf("unexpected users %+v", users)
	}
}

func TestReadFlightsStripsByteOrderMark(t *testing.T) {
	flights, rowErrs, err := ReadFlights(strings.NewReader("\ufeff" + flightsCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flights) != 2 || len(rowErrs) != 1 {
		t.Fatalf("expected 2 flights and 1 row error, got %d and %v", len(flights), rowErrs)
	}
	if flights[0].TravelCode != "0" || flights[1].TravelCode != "1" {
		t.Errorf("first column not read after the BOM: %+v", flights)
	}
}
