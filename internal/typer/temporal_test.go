package typer

import (
	"fmt"
	"testing"
	"time"
)

func TestDateNaturalLanguage(t *testing.T) {
	got := Process(TypeDate, "March 5, 2024", Options{}, Rules{}, Context{})
	if got.Value != "2024-03-05" {
		t.Fatalf("value = %v, want 2024-03-05", got.Value)
	}
	if got.Confidence < 0.9 {
		t.Fatalf("confidence = %v", got.Confidence)
	}
}

func TestDateAlreadyISO(t *testing.T) {
	got := Process(TypeDate, "2024-03-05", Options{}, Rules{}, Context{})
	if got.Value != "2024-03-05" {
		t.Fatalf("value = %v", got.Value)
	}
}

func TestDateYearBounds(t *testing.T) {
	got := Process(TypeDate, "January 1, 1850", Options{}, Rules{}, Context{})
	if got.Value != nil {
		t.Fatalf("value = %v, want nil for year below default floor", got.Value)
	}
	if len(got.Errors) == 0 || got.Errors[0] != "year_out_of_range" {
		t.Fatalf("errors = %v", got.Errors)
	}

	got = Process(TypeDate, "January 1, 1850", Options{YearMin: 1800}, Rules{}, Context{})
	if got.Value != "1850-01-01" {
		t.Fatalf("value = %v with widened bounds", got.Value)
	}
}

func TestDatePastOnly(t *testing.T) {
	future := fmt.Sprintf("%d-06-15", time.Now().Year()+2)
	got := Process(TypeDate, future, Options{PastOnly: true}, Rules{}, Context{})
	if got.Value != nil {
		t.Fatalf("value = %v, want nil for future date with past_only", got.Value)
	}
	if len(got.Errors) == 0 || got.Errors[0] != "future_date" {
		t.Fatalf("errors = %v", got.Errors)
	}
}

func TestDatetimeRFC3339(t *testing.T) {
	got := Process(TypeDatetime, "2024-03-05T10:30:00Z", Options{}, Rules{}, Context{})
	if got.Value != "2024-03-05T10:30:00Z" {
		t.Fatalf("value = %v", got.Value)
	}
}

func TestTimeNormalization(t *testing.T) {
	got := Process(TypeTime, "10:30", Options{}, Rules{}, Context{})
	if got.Value != "10:30:00" {
		t.Fatalf("value = %v, want 10:30:00", got.Value)
	}
}

func TestDateGarbage(t *testing.T) {
	got := Process(TypeDate, "no date here", Options{}, Rules{}, Context{})
	if got.Value != nil || got.Confidence != 0 {
		t.Fatalf("got %v/%v", got.Value, got.Confidence)
	}
}
