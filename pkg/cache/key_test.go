package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			"no params",
			Key{Target: "discord", Endpoint: "guilds/123"},
			"discord:guilds/123",
		},
		{
			"sorted params",
			Key{Target: "exchange", Endpoint: "tickers", Params: map[string]string{
				"quote": "usd",
				"base":  "eur",
			}},
			"exchange:tickers?base=eur&quote=usd",
		},
		{
			"single param",
			Key{Target: "discord", Endpoint: "users", Params: map[string]string{"id": "42"}},
			"discord:users?id=42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	k := Key{Target: "discord", Endpoint: "guilds", Params: map[string]string{
		"a": "1", "b": "2", "c": "3", "d": "4",
	}}

	first := k.String()
	for i := 0; i < 20; i++ {
		if got := k.String(); got != first {
			t.Fatalf("String() varied between calls: %q vs %q", got, first)
		}
	}
}
