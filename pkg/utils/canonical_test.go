package utils

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/users/", "users"},
		{"/users", "users"},
		{"users", "users"},
		{"/api/v1/users/", "api/v1/users"},
		{"/", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalBodyJSONKeyOrder(t *testing.T) {
	a := CanonicalBody("POST", "application/json", []byte(`{"b":2,"a":1}`))
	b := CanonicalBody("POST", "application/json", []byte(`{"a":1,"b":2}`))
	if a != b {
		t.Errorf("canonical JSON bodies differ: %q vs %q", a, b)
	}
	if a != `{"a":1,"b":2}` {
		t.Errorf("canonical JSON = %q, want sorted keys", a)
	}
}

func TestCanonicalBodyJSONNonObject(t *testing.T) {
	raw := `[3,1,2]`
	if got := CanonicalBody("POST", "application/json", []byte(raw)); got != raw {
		t.Errorf("non-object JSON = %q, want raw text %q", got, raw)
	}
	garbage := `{not json`
	if got := CanonicalBody("POST", "application/json", []byte(garbage)); got != garbage {
		t.Errorf("unparsable JSON = %q, want raw text", got)
	}
}

func TestCanonicalBodyForm(t *testing.T) {
	a := CanonicalBody("POST", "application/x-www-form-urlencoded", []byte("z=1&a=2"))
	b := CanonicalBody("POST", "application/x-www-form-urlencoded", []byte("a=2&z=1"))
	if a != b {
		t.Errorf("canonical form bodies differ: %q vs %q", a, b)
	}
	if a != "a=2&z=1" {
		t.Errorf("canonical form = %q, want sorted parameters", a)
	}
}

func TestCanonicalBodyGETAlwaysEmpty(t *testing.T) {
	if got := CanonicalBody("GET", "application/json", []byte(`{"a":1}`)); got != "" {
		t.Errorf("GET body = %q, want empty", got)
	}
	if got := CanonicalBody("head", "text/plain", []byte("x")); got != "" {
		t.Errorf("HEAD body = %q, want empty", got)
	}
}

func TestCanonicalBodyOpaque(t *testing.T) {
	if got := CanonicalBody("POST", "text/plain", []byte("raw text")); got != "raw text" {
		t.Errorf("opaque body = %q, want raw text", got)
	}
}

func TestSameCanonicalValue(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": []string{"p"}}
	b := map[string]interface{}{"y": []string{"p"}, "x": 1}
	if !SameCanonicalValue(a, b) {
		t.Error("SameCanonicalValue() = false for structurally equal maps")
	}
	c := map[string]interface{}{"x": 2}
	if SameCanonicalValue(a, c) {
		t.Error("SameCanonicalValue() = true for different maps")
	}
}
