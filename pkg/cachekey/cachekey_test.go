package cachekey

import (
	"net/http"
	"strings"
	"testing"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

func buildRequest(t *testing.T, method, rawURL string) *models.Request {
	t.Helper()
	req, err := models.NewRequest(method, rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q) error = %v", rawURL, err)
	}
	return req
}

func TestBuildStableUnderQueryOrder(t *testing.T) {
	a := buildRequest(t, "GET", "https://api.example.com/users?b=2&a=1")
	b := buildRequest(t, "GET", "https://api.example.com/users?a=1&b=2")

	if ka, kb := Build(a, nil), Build(b, nil); ka != kb {
		t.Errorf("keys differ under query order:\n%s\n%s", ka, kb)
	}
}

func TestBuildStableUnderJSONBodyKeyOrder(t *testing.T) {
	a := buildRequest(t, "POST", "https://api.example.com/search")
	a.Header.Set("Content-Type", "application/json")
	a.Body = []byte(`{"z":1,"a":2}`)

	b := buildRequest(t, "POST", "https://api.example.com/search")
	b.Header.Set("Content-Type", "application/json")
	b.Body = []byte(`{"a":2,"z":1}`)

	if ka, kb := Build(a, nil), Build(b, nil); ka != kb {
		t.Errorf("keys differ under JSON body key order:\n%s\n%s", ka, kb)
	}
}

func TestBuildStableUnderHeaderOrder(t *testing.T) {
	settings := &models.CacheSettings{KeyHeaders: []string{"Accept", "Authorization"}}

	a := buildRequest(t, "GET", "https://api.example.com/users")
	a.Header = http.Header{}
	a.Header.Set("Authorization", "Bearer t")
	a.Header.Set("Accept", "application/json")

	b := buildRequest(t, "GET", "https://api.example.com/users")
	b.Header = http.Header{}
	b.Header.Set("Accept", "application/json")
	b.Header.Set("Authorization", "Bearer t")

	if ka, kb := Build(a, settings), Build(b, settings); ka != kb {
		t.Errorf("keys differ under header order:\n%s\n%s", ka, kb)
	}
}

func TestBuildDistinctKeyHeaderValues(t *testing.T) {
	settings := &models.CacheSettings{KeyHeaders: []string{"Authorization"}}

	a := buildRequest(t, "GET", "https://api.example.com/users")
	a.Header.Set("Authorization", "Bearer alice")
	b := buildRequest(t, "GET", "https://api.example.com/users")
	b.Header.Set("Authorization", "Bearer bob")

	if ka, kb := Build(a, settings), Build(b, settings); ka == kb {
		t.Errorf("keys identical despite differing key-header values: %s", ka)
	}
}

func TestBuildAbsentKeyHeaderUsesNone(t *testing.T) {
	settings := &models.CacheSettings{KeyHeaders: []string{"Authorization"}}
	req := buildRequest(t, "GET", "https://api.example.com/users")

	key := Build(req, settings)
	if !strings.Contains(key, "__header-Authorization=none") {
		t.Errorf("key = %s, want __header-Authorization=none", key)
	}
}

func TestBuildDistinguishesMethods(t *testing.T) {
	get := buildRequest(t, "GET", "https://api.example.com/users")
	del := buildRequest(t, "DELETE", "https://api.example.com/users")

	if kg, kd := Build(get, nil), Build(del, nil); kg == kd {
		t.Errorf("GET and DELETE keys identical: %s", kg)
	}
}

func TestBuildEmptyBodyIsNone(t *testing.T) {
	req := buildRequest(t, "GET", "https://api.example.com/users")
	key := Build(req, nil)
	if !strings.Contains(key, "__body=none") {
		t.Errorf("key = %s, want __body=none", key)
	}
}

func TestBuildNormalizesTrailingSlash(t *testing.T) {
	a := buildRequest(t, "GET", "https://api.example.com/users/")
	b := buildRequest(t, "GET", "https://api.example.com/users")

	if ka, kb := Build(a, nil), Build(b, nil); ka != kb {
		t.Errorf("keys differ under trailing slash:\n%s\n%s", ka, kb)
	}
}

func TestRevertRoundTrip(t *testing.T) {
	settings := &models.CacheSettings{KeyHeaders: []string{"Authorization"}}
	original := buildRequest(t, "PUT", "https://api.example.com/users/?q=1")
	original.Header.Set("Authorization", "Bearer t")
	original.Header.Set("Content-Type", "application/json")
	original.Body = []byte(`{"name":"x"}`)

	key := Build(original, settings)
	reverted, err := Revert(key)
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}

	if reverted.Method != "PUT" {
		t.Errorf("reverted method = %q, want PUT", reverted.Method)
	}
	wantPath := "/" + utils.NormalizePath(original.URL.Path)
	if reverted.URL.Path != wantPath {
		t.Errorf("reverted path = %q, want %q", reverted.URL.Path, wantPath)
	}
	if reverted.URL.Host != "api.example.com" {
		t.Errorf("reverted host = %q, want api.example.com", reverted.URL.Host)
	}
	query := reverted.URL.Query()
	if query.Get("q") != "1" {
		t.Errorf("reverted query lost q=1: %q", reverted.URL.RawQuery)
	}
	for name := range query {
		if strings.HasPrefix(name, "__") {
			t.Errorf("reverted query retains reserved parameter %q", name)
		}
	}
}

func TestRevertDefaultsToGET(t *testing.T) {
	reverted, err := Revert("https://api.example.com/users?a=1")
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if reverted.Method != "GET" {
		t.Errorf("method = %q, want GET", reverted.Method)
	}
}
