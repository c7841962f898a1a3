package client

import (
	"testing"

	"github.com/keytrack/keytrack/types"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if err := opts.Validate(); err != nil {
		t.Fatalf("Default options should validate: %v", err)
	}
	if opts.Mode != types.ModeDefault {
		t.Fatalf("Expected default tracking mode, got %v", opts.Mode)
	}
	if opts.Addr == "" {
		t.Fatal("Default options should carry an address")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		valid  bool
	}{
		{"valid", func(o *Options) {}, true},
		{"empty addr", func(o *Options) { o.Addr = "" }, false},
		{"optin and optout", func(o *Options) { o.OptIn = true; o.OptOut = true }, false},
		{"optin in broadcast mode", func(o *Options) { o.Mode = types.ModeBroadcast; o.OptIn = true }, false},
		{"optout with tracking off", func(o *Options) { o.Mode = types.ModeOff; o.OptOut = true }, false},
		{"prefixes in default mode", func(o *Options) { o.Prefixes = []string{"user:"} }, false},
		{"prefixes in broadcast mode", func(o *Options) { o.Mode = types.ModeBroadcast; o.Prefixes = []string{"user:"} }, true},
		{"zero dial timeout", func(o *Options) { o.DialTimeout = 0 }, false},
		{"zero request timeout", func(o *Options) { o.RequestTimeout = 0 }, false},
		{"bad local cache config", func(o *Options) { o.LocalCacheConfig.MaxCost = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid && err != nil {
				t.Fatalf("Expected valid options, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Addr = ""

	if _, err := New(opts); err == nil {
		t.Fatal("Expected error for invalid options")
	}
}
