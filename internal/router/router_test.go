package router

import (
	"errors"
	"testing"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

func target(name string) []domain.BackendTarget {
	return []domain.BackendTarget{{Name: name, URL: "http://" + name}}
}

func TestTableMatch(t *testing.T) {
	table, err := NewTable([]domain.Route{
		{Name: "catchall", Path: "/*", Targets: target("default")},
		{Name: "orders-any", Path: "/v1/orders/{id}", Targets: target("orders")},
		{Name: "orders-get", Path: "/v1/orders/{id}", Methods: []string{"GET"}, Targets: target("orders-read")},
		{Name: "orders-v2", Path: "/v1/orders/{id}", Version: "2", Targets: target("orders-v2")},
		{Name: "orders-special", Path: "/v1/orders/special", Targets: target("special")},
		{Name: "orders-list", Path: "/v1/orders", Methods: []string{"GET", "POST"}, Targets: target("orders")},
		{Name: "files", Path: "/v1/files/*", Targets: target("files")},
	})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	tests := []struct {
		name      string
		method    string
		path      string
		version   string
		wantRoute string
		wantParam map[string]string
	}{
		{"literal beats param", "GET", "/v1/orders/special", "", "orders-special", nil},
		{"version specific", "GET", "/v1/orders/42", "2", "orders-v2", map[string]string{"id": "42"}},
		{"method specific", "GET", "/v1/orders/42", "", "orders-get", map[string]string{"id": "42"}},
		{"any method", "DELETE", "/v1/orders/42", "", "orders-any", map[string]string{"id": "42"}},
		{"exact list", "POST", "/v1/orders/", "", "orders-list", nil},
		{"method mismatch falls to wildcard", "PUT", "/v1/orders", "", "catchall", map[string]string{"*": "v1/orders"}},
		{"wildcard tail", "GET", "/v1/files/a/b/c.txt", "", "files", map[string]string{"*": "a/b/c.txt"}},
		{"root", "GET", "/", "", "catchall", map[string]string{"*": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := table.Match(tt.method, tt.path, tt.version)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if m.Route.Name != tt.wantRoute {
				t.Errorf("Match() route = %s, want %s", m.Route.Name, tt.wantRoute)
			}
			for k, v := range tt.wantParam {
				if m.Params[k] != v {
					t.Errorf("param %s = %q, want %q", k, m.Params[k], v)
				}
			}
		})
	}
}

func TestTableMatch_DeclarationOrderBreaksTies(t *testing.T) {
	table, err := NewTable([]domain.Route{
		{Name: "first", Path: "/a/{x}", Targets: target("one")},
		{Name: "second", Path: "/a/{y}", Targets: target("two")},
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := table.Match("GET", "/a/1", "")
	if m.Route.Name != "first" {
		t.Errorf("route = %s, want first", m.Route.Name)
	}
}

func TestTableMatch_NoRoute(t *testing.T) {
	table, _ := NewTable([]domain.Route{{Name: "a", Path: "/a", Targets: target("a")}})
	if _, err := table.Match("GET", "/b", ""); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Match() error = %v, want ErrNoRoute", err)
	}
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		route domain.Route
	}{
		{"missing name", domain.Route{Path: "/a", Targets: target("a")}},
		{"relative path", domain.Route{Name: "a", Path: "a", Targets: target("a")}},
		{"no targets", domain.Route{Name: "a", Path: "/a"}},
		{"inner wildcard", domain.Route{Name: "a", Path: "/a/*/b", Targets: target("a")}},
		{"bad strategy", domain.Route{Name: "a", Path: "/a", Strategy: "sticky", Targets: target("a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable([]domain.Route{tt.route}); err == nil {
				t.Error("NewTable() expected error")
			}
		})
	}

	_, err := NewTable([]domain.Route{
		{Name: "dup", Path: "/a", Targets: target("a")},
		{Name: "dup", Path: "/b", Targets: target("b")},
	})
	if err == nil {
		t.Error("duplicate names should be rejected")
	}
}

func TestRouterUpdateKeepsTableOnError(t *testing.T) {
	r, err := New([]domain.Route{{Name: "a", Path: "/a", Targets: target("a")}})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Update([]domain.Route{{Name: "", Path: "/b"}}); err == nil {
		t.Fatal("Update() expected error")
	}
	if _, err := r.Match("GET", "/a", ""); err != nil {
		t.Errorf("old table lost: %v", err)
	}

	if err := r.Update([]domain.Route{{Name: "b", Path: "/b", Targets: target("b")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Match("GET", "/a", ""); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Match(/a) after swap error = %v", err)
	}
}

func TestBalancer_RoundRobin(t *testing.T) {
	b := NewBalancer()
	route := &domain.Route{
		Name:     "r",
		Strategy: domain.BalanceRoundRobin,
		Targets:  []domain.BackendTarget{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	}

	want := [][]string{{"a", "b", "c"}, {"b", "c", "a"}, {"c", "a", "b"}, {"a", "b", "c"}}
	for i, w := range want {
		got := b.Order(route)
		for j := range w {
			if got[j].Name != w[j] {
				t.Fatalf("call %d = %v, want %v", i, names(got), w)
			}
		}
	}
}

func TestBalancer_WeightedFirstPick(t *testing.T) {
	b := NewBalancer()
	route := &domain.Route{
		Name:     "r",
		Strategy: domain.BalanceWeighted,
		Targets:  []domain.BackendTarget{{Name: "a", Weight: 1}, {Name: "b", Weight: 3}, {Name: "c", Weight: 2}},
	}

	b.intn = func(int) int { return 0 }
	if got := names(b.Order(route)); got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Order() = %v, want [a b c]", got)
	}
	b.intn = func(int) int { return 1 }
	if got := names(b.Order(route)); got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Errorf("Order() = %v, want [b c a]", got)
	}
	b.intn = func(int) int { return 5 }
	if got := names(b.Order(route)); got[0] != "c" {
		t.Errorf("Order() = %v, want c first", got)
	}
}

func TestBalancer_RandomIsPermutation(t *testing.T) {
	b := NewBalancer()
	route := &domain.Route{
		Name:     "r",
		Strategy: domain.BalanceRandom,
		Targets:  []domain.BackendTarget{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	}
	seen := map[string]bool{}
	for _, n := range names(b.Order(route)) {
		seen[n] = true
	}
	if len(seen) != 3 {
		t.Errorf("Order() lost targets: %v", seen)
	}
}

func names(ts []domain.BackendTarget) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}
