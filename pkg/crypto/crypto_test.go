package crypto

import (
	"bytes"
	"strings"
	"testing"
)

// fastParams keeps Argon2id cheap in tests.
var fastParams = Params{Time: 1, Memory: 8 * 1024, Threads: 1}

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := RandomBytes(n)
	if err != nil {
		t.Fatalf("RandomBytes(%d) error = %v", n, err)
	}
	return b
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("test-password-123")
	salt := mustRandom(t, SaltLength)

	key := DeriveKey(secret, salt, fastParams)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	if !bytes.Equal(key, DeriveKey(secret, salt, fastParams)) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}
	if bytes.Equal(key, DeriveKey([]byte("different-password"), salt, fastParams)) {
		t.Error("DeriveKey() with different secret should produce different key")
	}
	if bytes.Equal(key, DeriveKey(secret, mustRandom(t, SaltLength), fastParams)) {
		t.Error("DeriveKey() with different salt should produce different key")
	}
	if bytes.Equal(key, DeriveKey(secret, salt, Params{Time: 2, Memory: 8 * 1024, Threads: 1})) {
		t.Error("DeriveKey() with different params should produce different key")
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"defaults", DefaultParams, false},
		{"fast", fastParams, false},
		{"zero time", Params{Time: 0, Memory: 1024, Threads: 1}, true},
		{"zero threads", Params{Time: 1, Memory: 1024, Threads: 0}, true},
		{"memory below lanes", Params{Time: 1, Memory: 8, Threads: 4}, true},
		{"memory too large", Params{Time: 1, Memory: 8 * 1024 * 1024, Threads: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := mustRandom(t, KeyLength)
	plaintext := []byte("secret data to encrypt and decrypt")

	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(nonce) != NonceLength {
		t.Errorf("Encrypt() nonce length = %d, want %d", len(nonce), NonceLength)
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("Encrypt() ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := Decrypt(key, ciphertext, nonce)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 24, 48} {
		if _, _, err := Encrypt(make([]byte, n), []byte("x")); err != ErrInvalidKeyLength {
			t.Errorf("Encrypt() with %d-byte key error = %v, want %v", n, err, ErrInvalidKeyLength)
		}
	}
}

func TestDecryptErrors(t *testing.T) {
	key := mustRandom(t, KeyLength)
	ciphertext, nonce, err := Encrypt(key, []byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff

	tests := []struct {
		name       string
		key        []byte
		ciphertext []byte
		nonce      []byte
		wantErr    error
	}{
		{"wrong key", mustRandom(t, KeyLength), ciphertext, nonce, ErrDecryptionFailed},
		{"tampered", key, tampered, nonce, ErrDecryptionFailed},
		{"short key", key[:16], ciphertext, nonce, ErrInvalidKeyLength},
		{"short nonce", key, ciphertext, nonce[:8], ErrInvalidNonceLength},
		{"short ciphertext", key, ciphertext[:4], nonce, ErrCiphertextTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.key, tt.ciphertext, tt.nonce); err != tt.wantErr {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	key := mustRandom(t, KeyLength)

	sealed, err := Seal(key, []byte("pw1"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(sealed) != NonceLength+3+16 {
		t.Errorf("Seal() length = %d, want %d", len(sealed), NonceLength+3+16)
	}

	opened, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != "pw1" {
		t.Errorf("Open() = %q, want %q", opened, "pw1")
	}

	again, err := Seal(key, []byte("pw1"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("Seal() should use a fresh nonce per call")
	}

	if _, err := Open(key, sealed[:5]); err != ErrCiphertextTooShort {
		t.Errorf("Open() short input error = %v, want %v", err, ErrCiphertextTooShort)
	}
}

func TestHashSecret(t *testing.T) {
	encoded, err := HashSecret([]byte("hunter22"), fastParams)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("HashSecret() = %q, unexpected prefix", encoded)
	}
	if strings.Contains(encoded, "hunter22") {
		t.Error("HashSecret() output must not contain the secret")
	}

	ok, err := VerifySecret([]byte("hunter22"), encoded)
	if err != nil || !ok {
		t.Errorf("VerifySecret(correct) = %v, %v; want true, nil", ok, err)
	}
	ok, err = VerifySecret([]byte("wrong"), encoded)
	if err != nil || ok {
		t.Errorf("VerifySecret(wrong) = %v, %v; want false, nil", ok, err)
	}

	other, err := HashSecret([]byte("hunter22"), fastParams)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if other == encoded {
		t.Error("HashSecret() should salt every hash")
	}
}

func TestVerifySecretMalformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$",
	} {
		if _, err := VerifySecret([]byte("x"), encoded); err != ErrMalformedHash {
			t.Errorf("VerifySecret(%q) error = %v, want %v", encoded, err, ErrMalformedHash)
		}
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive-data-to-wipe")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("SecureWipe() byte %d = %d, want 0", i, b)
		}
	}
	SecureWipe(nil)
}
