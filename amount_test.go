package ap2

import (
	"encoding/json"
	"testing"
)

func TestAmountJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "number", in: `105.96`, want: "105.96"},
		{name: "string", in: `"48.50"`, want: "48.5"},
		{name: "integer", in: `100`, want: "100"},
		{name: "whitespace", in: ` 7.25 `, want: "7.25"},
		{name: "not numeric", in: `"ten"`, wantErr: true},
		{name: "bool", in: `true`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var a Amount
			err := json.Unmarshal([]byte(tc.in), &a)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if a.String() != tc.want {
				t.Fatalf("expected %s got %s", tc.want, a.String())
			}
		})
	}

	var holder struct {
		Amount *Amount `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":null}`), &holder); err != nil || holder.Amount != nil {
		t.Fatalf("expected null to leave pointer nil, got %v err=%v", holder.Amount, err)
	}

	out, err := json.Marshal(CurrencyAmount{Currency: "USD", Value: MustAmount("8.83")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"currency":"USD","value":8.83}` {
		t.Fatalf("unexpected json %s", out)
	}
}

func TestAmountRound2(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"8.8333":  "8.83",
		"2.345":   "2.35",
		"2.344":   "2.34",
		"105.955": "105.96",
		"100":     "100",
	}
	for in, want := range tests {
		if got := MustAmount(in).Round2().String(); got != want {
			t.Fatalf("%s: expected %s got %s", in, want, got)
		}
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	if _, err := ParseAmount("1,000"); err == nil {
		t.Fatalf("expected error for grouped digits")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustAmount to panic")
		}
	}()
	MustAmount("abc")
}
