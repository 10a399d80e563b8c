package filter

import "testing"

func TestEmptyExpressionAcceptsAll(t *testing.T) {
	f, err := NewCELFilter("")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Eval(Input{Text: "anything"}) {
		t.Fatal("disabled filter must accept")
	}
}

func TestExpressionOnFields(t *testing.T) {
	f, err := NewCELFilter(`text.contains("rally") && user != "spambot"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Eval(Input{Text: "big rally downtown", Author: "reporter"}) {
		t.Fatal("expected accept")
	}
	if f.Eval(Input{Text: "big rally downtown", Author: "spambot"}) {
		t.Fatal("expected reject")
	}
}

func TestExpressionOnJSON(t *testing.T) {
	f, err := NewCELFilter(`json.lang == "en"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Eval(Input{Raw: []byte(`{"lang":"en"}`)}) {
		t.Fatal("expected accept")
	}
	if f.Eval(Input{Raw: []byte(`{"lang":"fr"}`)}) {
		t.Fatal("expected reject")
	}
	// missing field is an eval error, which rejects rather than failing
	if f.Eval(Input{Raw: []byte(`{}`)}) {
		t.Fatal("expected reject on missing field")
	}
}

func TestBadExpressionFailsCompile(t *testing.T) {
	if _, err := NewCELFilter("nonsense ==="); err == nil {
		t.Fatal("expected compile error")
	}
}
