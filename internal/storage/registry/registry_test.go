package registry

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		metric  string
		tags    map[string]string
		wantErr bool
	}{
		{"plain metric", "cpu.user", "cpu.user", nil, false},
		{"one tag", "cpu.user host=web01", "cpu.user", map[string]string{"host": "web01"}, false},
		{"two tags", "mem host=a region=eu", "mem", map[string]string{"host": "a", "region": "eu"}, false},
		{"empty", "", "", nil, true},
		{"bad tag", "cpu host", "", nil, true},
		{"empty tag value", "cpu host=", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if s.Metric != tt.metric {
				t.Errorf("metric = %q, want %q", s.Metric, tt.metric)
			}
			if len(s.Tags) != len(tt.tags) {
				t.Errorf("tags = %v, want %v", s.Tags, tt.tags)
			}
			for k, v := range tt.tags {
				if s.Tags[k] != v {
					t.Errorf("tag %s = %q, want %q", k, s.Tags[k], v)
				}
			}
		})
	}
}

func TestCanonicalTagOrder(t *testing.T) {
	r := New()

	id1, err := r.GetOrCreate("cpu host=a region=eu")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.GetOrCreate("cpu region=eu host=a")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("differently ordered tags should resolve to the same id: %d != %d", id1, id2)
	}

	name, ok := r.Name(id1)
	if !ok {
		t.Fatal("name lookup failed")
	}
	if name != "cpu host=a region=eu" {
		t.Errorf("canonical name = %q", name)
	}
}

func TestGetOrCreate_StableIDs(t *testing.T) {
	r := New()

	id1, _ := r.GetOrCreate("series1 tag=a")
	id2, _ := r.GetOrCreate("series2 tag=a")
	id1again, _ := r.GetOrCreate("series1 tag=a")

	if id1 == id2 {
		t.Error("distinct series should get distinct ids")
	}
	if id1 != id1again {
		t.Errorf("id changed between calls: %d != %d", id1, id1again)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 series, got %d", r.Len())
	}
}

func TestMetricNames(t *testing.T) {
	r := New()
	r.GetOrCreate("cpu.user host=a")
	r.GetOrCreate("cpu.user host=b")
	r.GetOrCreate("cpu.sys host=a")
	r.GetOrCreate("mem.free host=a")

	all := r.MetricNames("")
	if len(all) != 3 {
		t.Fatalf("expected 3 metric names, got %v", all)
	}

	cpu := r.MetricNames("cpu.")
	if len(cpu) != 2 {
		t.Fatalf("expected 2 cpu metrics, got %v", cpu)
	}
	if cpu[0] != "cpu.sys" || cpu[1] != "cpu.user" {
		t.Errorf("expected sorted names, got %v", cpu)
	}
}

func TestSearch(t *testing.T) {
	r := New()
	r.GetOrCreate("cpu host=a region=eu")
	r.GetOrCreate("cpu host=b region=eu")
	r.GetOrCreate("cpu host=a region=us")
	r.GetOrCreate("mem host=a region=eu")

	if got := r.Search("cpu", nil); len(got) != 3 {
		t.Errorf("expected 3 cpu series, got %d", len(got))
	}
	if got := r.Search("cpu", map[string]string{"region": "eu"}); len(got) != 2 {
		t.Errorf("expected 2 eu series, got %d", len(got))
	}
	if got := r.Search("", map[string]string{"host": "a"}); len(got) != 3 {
		t.Errorf("expected 3 host=a series, got %d", len(got))
	}
	if got := r.Search("disk", nil); len(got) != 0 {
		t.Errorf("expected no disk series, got %d", len(got))
	}

	names := r.SearchNames("cpu", map[string]string{"region": "eu"})
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}
}

func TestRestore(t *testing.T) {
	r := New()
	if err := r.Restore([]string{"cpu host=a", "mem host=a"}); err != nil {
		t.Fatal(err)
	}

	id, ok := r.Lookup("cpu host=a")
	if !ok || id != 1 {
		t.Errorf("expected restored id 1, got %d (ok=%v)", id, ok)
	}

	// New series continue after the restored ones.
	next, _ := r.GetOrCreate("disk host=a")
	if next != 3 {
		t.Errorf("expected id 3, got %d", next)
	}
}
