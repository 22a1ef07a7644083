package hostkey

import "testing"

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"bare host", "https://example.com/path", "example.com"},
		{"strips www", "https://www.example.com/", "example.com"},
		{"strips mobile subdomain", "https://m.example.com/", "example.com"},
		{"lowercases", "https://EXAMPLE.com/", "example.com"},
		{"port is not part of host", "https://example.com:8443/x", "example.com"},
		{"data url", "data:text/html,<h1>hi</h1>", Unknown},
		{"blob url keeps nested origin", "blob:https://example.com/uuid", "example.com"},
		{"empty string", "", Unknown},
		{"malformed", "ht!tp://[::1", Unknown},
		{"opaque about page", "about:blank", Unknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Derive(tc.url); got != tc.want {
				t.Errorf("Derive(%q) = %q, want %q", tc.url, got, tc.want)
			}
		})
	}
}
