package registry

import "testing"

func TestIsAttachable(t *testing.T) {
	tests := []struct {
		name       string
		targetType string
		url        string
		want       bool
	}{
		{"http page", "page", "http://example.com", true},
		{"https page", "page", "https://example.com/path", true},
		{"extension page", "page", "chrome-extension://abc/popup.html", false},
		{"devtools page", "page", "devtools://devtools/bundled/inspector.html", false},
		{"service worker", "service_worker", "https://example.com/sw.js", false},
		{"iframe type excluded at top level", "iframe", "https://example.com", false},
		{"about blank", "page", "about:blank", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAttachable(tc.targetType, tc.url); got != tc.want {
				t.Errorf("isAttachable(%q, %q) = %v, want %v", tc.targetType, tc.url, got, tc.want)
			}
		})
	}
}

func TestRegistry_UpsertTracksAppearAndNavigate(t *testing.T) {
	var appeared, navigated []Target
	r := &Registry{
		targets: make(map[string]Target),
		onAppear: func(t Target) {
			appeared = append(appeared, t)
		},
		onNavigate: func(old, new Target) {
			navigated = append(navigated, new)
		},
	}

	r.upsert(Target{ID: "t1", URL: "https://a.example"})
	if len(appeared) != 1 {
		t.Fatalf("expected 1 appear callback, got %d", len(appeared))
	}

	r.upsert(Target{ID: "t1", URL: "https://b.example"})
	if len(navigated) != 1 {
		t.Fatalf("expected 1 navigate callback, got %d", len(navigated))
	}

	r.upsert(Target{ID: "t1", URL: "https://b.example"})
	if len(navigated) != 1 {
		t.Errorf("re-upserting the same URL should not fire navigate again, got %d calls", len(navigated))
	}
}

func TestRegistry_RemoveFiresDisappear(t *testing.T) {
	var disappeared []Target
	r := &Registry{
		targets: make(map[string]Target),
		onDisappear: func(t Target) {
			disappeared = append(disappeared, t)
		},
	}
	r.upsert(Target{ID: "t1", URL: "https://a.example"})
	r.remove("t1")
	if len(disappeared) != 1 {
		t.Fatalf("expected 1 disappear callback, got %d", len(disappeared))
	}
	r.remove("t1")
	if len(disappeared) != 1 {
		t.Errorf("removing an already-removed target should not fire again, got %d calls", len(disappeared))
	}
}
