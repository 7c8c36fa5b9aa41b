package utils

import (
	"net/http/httptest"
	"testing"
)

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{" TRUE ", true},
		{"yes", true},
		{"on", true},
		{"0", false},
		{"off", false},
		{"", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetenvTrim(t *testing.T) {
	t.Setenv("TALLY_UTILS_TEST", "  value\n")
	if got := GetenvTrim("TALLY_UTILS_TEST"); got != "value" {
		t.Fatalf("GetenvTrim = %q", got)
	}
}

func TestWriteJSONResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSONResponse(rec, map[string]int{"renewals": 3}); err != nil {
		t.Fatalf("WriteJSONResponse: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if body := rec.Body.String(); body != `{"renewals":3}` {
		t.Fatalf("body = %q", body)
	}
}

func TestWriteJSONResponseRejectsUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSONResponse(rec, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected encode error")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
}
