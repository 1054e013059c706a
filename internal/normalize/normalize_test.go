package normalize

import "testing"

func TestToCRLF(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"a\r\nb\r\n", "a\r\nb\r\n"},
		{"a\nb\n", "a\r\nb\r\n"},
		{"a\rb\r", "a\r\nb\r\n"},
		{"a\r\nb\n", "a\r\nb\r\n"},
		{"a\n\rb", "a\r\n\r\nb"},
		{"\r\n\r\n", "\r\n\r\n"},
		{"a\r", "a\r\n"},
		{"a\n", "a\r\n"},
	}

	for _, c := range cases {
		got := StringToCRLF(c.in)
		if got != c.want {
			t.Errorf("ToCRLF(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestToCRLFIdempotent(t *testing.T) {
	in := "a\nb\r\nc\rd\r\n\r\ne"
	once := StringToCRLF(in)
	twice := StringToCRLF(once)
	if once != twice {
		t.Errorf("ToCRLF not idempotent: once=%q twice=%q", once, twice)
	}
}
