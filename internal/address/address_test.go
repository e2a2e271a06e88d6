package address

import "testing"

func TestString(t *testing.T) {
	a := Address{Host: "0.0.0.0", Port: 8000}
	if got, want := a.String(), "0.0.0.0:8000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestScheme(t *testing.T) {
	if (Address{Secure: true}).Scheme() != "wss" {
		t.Error("expected wss for a secure address")
	}
	if (Address{Secure: false}).Scheme() != "ws" {
		t.Error("expected ws for a non-secure address")
	}
}
