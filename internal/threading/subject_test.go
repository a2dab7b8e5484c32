package threading

import "testing"

func TestNormalizeSubject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Quarterly report", "quarterly report"},
		{"single re", "Re: Quarterly report", "quarterly report"},
		{"single fwd", "Fwd: Quarterly report", "quarterly report"},
		{"fw no colon", "Fw Quarterly report", "quarterly report"},
		{"aw german", "Aw: Quarterly report", "quarterly report"},
		{"stacked markers", "Re: Fwd: Quarterly report", "quarterly report"},
		{"counter bracket", "Re[2]: Quarterly report", "quarterly report"},
		{"mixed case", "RE: QUARTERLY REPORT", "quarterly report"},
		{"collapsed whitespace", "Re:   Quarterly    report  ", "quarterly report"},
		{"no marker but re in subject", "Regarding quarterly report", "regarding quarterly report"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NormalizeSubject(c.input)
			if got != c.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", c.input, got, c.want)
			}
		})
	}
}

func TestParticipantKey(t *testing.T) {
	from := []string{"Alice@Example.com"}
	to := []string{"bob@example.com", " alice@example.com "}
	cc := []string{"carol@example.com"}

	got := ParticipantKey(from, to, cc)
	want := "alice@example.com,bob@example.com,carol@example.com"
	if got != want {
		t.Errorf("ParticipantKey = %q, want %q", got, want)
	}
}

func TestParticipantKeyOrderIndependent(t *testing.T) {
	a := ParticipantKey([]string{"z@example.com"}, []string{"a@example.com"}, nil)
	b := ParticipantKey([]string{"a@example.com"}, []string{"z@example.com"}, nil)
	if a != b {
		t.Errorf("ParticipantKey should be order-independent: %q != %q", a, b)
	}
}

func TestFallbackKeyDistinguishesSubjectAndParticipants(t *testing.T) {
	k1 := FallbackKey("Re: Hello", []string{"a@example.com"}, nil, nil)
	k2 := FallbackKey("Hello", []string{"a@example.com"}, nil, nil)
	if k1 != k2 {
		t.Errorf("normalized subjects should collide: %q != %q", k1, k2)
	}

	k3 := FallbackKey("Hello", []string{"b@example.com"}, nil, nil)
	if k1 == k3 {
		t.Errorf("different participants should not collide: %q == %q", k1, k3)
	}
}
