package httpapi

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.RequestTimeout != defaultRequestTimeout || cfg.ShutdownGrace != defaultShutdownGrace {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if _, limited := cfg.Capacity("camping"); limited {
		test.Fatalf("expected no capacity by default")
	}
}

func TestConfigValidateRejectsNegativeCapacity(test *testing.T) {
	test.Parallel()
	cfg := Config{RequestTimeout: time.Second, CategoryCapacity: map[string]int{"camping": -1}}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected negative capacity to fail")
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" http://a.example , ,http://b.example")
	if len(origins) != 2 || origins[0] != "http://a.example" || origins[1] != "http://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		test.Fatalf("expected empty origins")
	}
}

func TestSplitList(test *testing.T) {
	test.Parallel()
	items := splitList("camping=1,, day=2 ,")
	if len(items) != 2 || items[0] != "camping=1" || items[1] != "day=2" {
		test.Fatalf("unexpected items %v", items)
	}
	if len(splitList("")) != 0 {
		test.Fatalf("expected no items")
	}
}

func TestParseCategoryCapacity(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    map[string]int
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]int{}},
		{name: "pairs", raw: "camping=120, campervan = 15", want: map[string]int{"camping": 120, "campervan": 15}},
		{name: "trailing separators", raw: ",camping=2,,", want: map[string]int{"camping": 2}},
		{name: "zero", raw: "glamping=0", want: map[string]int{"glamping": 0}},
		{name: "missing value", raw: "camping", wantErr: true},
		{name: "negative", raw: "camping=-3", wantErr: true},
		{name: "blank category", raw: "=4", wantErr: true},
		{name: "not a number", raw: "camping=lots", wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			got, err := ParseCategoryCapacity(testCase.raw)
			if testCase.wantErr {
				if err == nil {
					test.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
			for category, capacity := range testCase.want {
				if got[category] != capacity {
					test.Fatalf("expected %v, got %v", testCase.want, got)
				}
			}
		})
	}
}
