package phone

import "testing"

func TestNormalizeCollapsesMobilePrefix(t *testing.T) {
	cases := map[string]string{
		"+55 (11) 99876-5432": "1198765432",
		"5511998765432":       "1198765432",
		"551198765432":        "1198765432",
		"11998765432":         "1198765432",
		"1198765432":          "1198765432",
	}
	for raw, want := range cases {
		got, err := Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeVariantsAgree(t *testing.T) {
	a, err := Normalize("5511998765432")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Normalize("551198765432")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("carrier variants disagree: %q vs %q", a, b)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "abc", "123", "5511"} {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("Normalize(%q) expected error", raw)
		}
	}
}
