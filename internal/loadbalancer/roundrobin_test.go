package loadbalancer

import (
	"sync"
	"testing"
)

func mustBackends(t *testing.T, urls ...string) []*Backend {
	t.Helper()
	out := make([]*Backend, 0, len(urls))
	for i, u := range urls {
		b, err := NewBackend(string(rune('a'+i)), u)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, b)
	}
	return out
}

func TestRoundRobin(t *testing.T) {
	backends := mustBackends(t,
		"http://server1:8080",
		"http://server2:8080",
		"http://server3:8080",
	)

	rr := NewRoundRobin(backends)

	// Should cycle through backends
	results := make(map[string]int)
	for i := 0; i < 9; i++ {
		b := rr.Next()
		results[b.URL]++
	}

	// Each backend should be hit exactly 3 times
	for _, b := range backends {
		if results[b.URL] != 3 {
			t.Errorf("expected backend %s to be hit 3 times, got %d", b.URL, results[b.URL])
		}
	}
}

func TestRoundRobinOrder(t *testing.T) {
	rr := NewRoundRobin(mustBackends(t, "http://a:1", "http://b:1"))

	want := []string{"http://a:1", "http://b:1", "http://a:1", "http://b:1"}
	for i, w := range want {
		if got := rr.Next().URL; got != w {
			t.Errorf("pick %d = %s, want %s", i, got, w)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	rr := NewRoundRobin(nil)
	if rr.Next() != nil {
		t.Error("expected nil backend from empty balancer")
	}
	if rr.Len() != 0 {
		t.Errorf("Len = %d", rr.Len())
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	rr := NewRoundRobin(mustBackends(t, "http://a:1", "http://b:1"))

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := rr.Next()
			mu.Lock()
			counts[b.URL]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counts["http://a:1"] != 50 || counts["http://b:1"] != 50 {
		t.Errorf("uneven distribution: %v", counts)
	}
}

func TestBackendsIsCopy(t *testing.T) {
	rr := NewRoundRobin(mustBackends(t, "http://a:1"))
	list := rr.Backends()
	list[0] = nil
	if rr.Next() == nil {
		t.Error("Backends must not expose internal slice")
	}
}

func TestNewBackendParsesURL(t *testing.T) {
	b, err := NewBackend("x", "http://10.0.0.1:8080")
	if err != nil {
		t.Fatal(err)
	}
	if b.ParsedURL.Host != "10.0.0.1:8080" {
		t.Errorf("host = %s", b.ParsedURL.Host)
	}
	if _, err := NewBackend("x", "http://[::1"); err == nil {
		t.Error("expected parse error")
	}
}
