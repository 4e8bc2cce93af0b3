package webhook

import (
	"errors"
	"net/http"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payloads := []string{
		`{"event":"ping"}`,
		`{"event":"contact.created","data":{"email":"a@b.com"}}`,
		``,
	}
	secrets := []string{"s3cr3t", "another-secret", "0123456789abcdef"}

	for _, payload := range payloads {
		for _, secret := range secrets {
			signature := Sign([]byte(payload), secret)
			if err := VerifySignature([]byte(payload), signature, secret); err != nil {
				t.Fatalf("VerifySignature(%q, %q) error = %v", payload, secret, err)
			}
			if err := VerifySignature([]byte(payload), "sha256="+signature, secret); err != nil {
				t.Fatalf("VerifySignature with sha256= prefix error = %v", err)
			}
		}
	}
}

func TestSignKnownVector(t *testing.T) {
	// HMAC-SHA256 of the exact JSON string with key "s3cr3t".
	const want = "80c0629c2df3179438ab50967ccaaedfdbcc95e266c5f8f0cb2258363f3a7724"
	if got := Sign([]byte(`{"event":"ping"}`), "s3cr3t"); got != want {
		t.Fatalf("Sign() = %s, want %s", got, want)
	}
	if err := VerifySignature([]byte(`{"event":"ping"}`), "sha256="+want, "s3cr3t"); err != nil {
		t.Fatalf("VerifySignature(known vector) error = %v", err)
	}
}

func TestVerifySignatureTampering(t *testing.T) {
	payload := []byte(`{"event":"ping"}`)
	secret := "s3cr3t"
	signature := Sign(payload, secret)

	// flip one byte of the signature
	tampered := []byte(signature)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	if err := VerifySignature(payload, string(tampered), secret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifySignature(tampered sig) error = %v, want ErrInvalidSignature", err)
	}

	// flip one byte of the payload
	altered := []byte(`{"event":"pong"}`)
	if err := VerifySignature(altered, signature, secret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifySignature(tampered payload) error = %v, want ErrInvalidSignature", err)
	}

	// wrong secret
	if err := VerifySignature(payload, signature, "different"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifySignature(wrong secret) error = %v, want ErrInvalidSignature", err)
	}

	if err := VerifySignature(payload, "", secret); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("VerifySignature(empty header) error = %v, want ErrMissingSignature", err)
	}
}

func TestSignatureFromHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set(HeaderSignature256, "sha256=abc")
	if got := SignatureFromHeaders(headers); got != "sha256=abc" {
		t.Fatalf("SignatureFromHeaders() = %q", got)
	}

	headers.Set(HeaderSignature, "def")
	if got := SignatureFromHeaders(headers); got != "def" {
		t.Fatalf("SignatureFromHeaders() = %q, want plain header preferred", got)
	}
}

func TestGenerateSecret(t *testing.T) {
	first, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("secret length = %d, want 64 hex chars", len(first))
	}
	second, _ := GenerateSecret()
	if first == second {
		t.Fatal("GenerateSecret() returned the same value twice")
	}
}
