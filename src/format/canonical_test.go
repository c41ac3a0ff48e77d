package format

import (
	"bytes"
	"testing"
)

func TestEncodeSortsKeys(t *testing.T) {
	a, err := EncodeRaw([]byte(`{"b":1,"a":{"d":2,"c":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeRaw([]byte(`{"a":{"c":3,"d":2},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encodings differ: %s vs %s", a, b)
	}
	expected := `{"a":{"c":3,"d":2},"b":1}`
	if string(a) != expected {
		t.Fatalf("got %s, want %s", a, expected)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	value := map[string]interface{}{
		"zebra": []interface{}{1, 2, 3},
		"apple": map[string]interface{}{"y": "z", "x": true},
		"nil":   nil,
	}
	first, err := Encode(value)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Encode(value)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("run %d: encodings differ: %s vs %s", i, first, again)
		}
	}
}

func TestEncodeRejectsOutOfRangeNumbers(t *testing.T) {
	for _, raw := range []string{
		`{"n":9007199254740992}`,
		`{"n":-9007199254740992}`,
		`{"nested":{"n":[9007199254740992]}}`,
		`{"n":1.5}`,
		`{"n":1e300}`,
	} {
		if _, err := EncodeRaw([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestEncodeAcceptsBoundaryNumbers(t *testing.T) {
	for _, raw := range []string{
		`{"n":9007199254740991}`,
		`{"n":-9007199254740991}`,
		`{"n":0}`,
	} {
		if _, err := EncodeRaw([]byte(raw)); err != nil {
			t.Errorf("unexpected error for %s: %v", raw, err)
		}
	}
}

func TestBase64Translation(t *testing.T) {
	// 0xfb 0xef produces both special characters in the standard alphabet.
	encoded := EncodeBase64([]byte{0xfb, 0xef, 0xbe})
	if encoded != "++++" && !bytes.ContainsAny([]byte(encoded), "+/") {
		t.Logf("encoded: %s", encoded)
	}
	urlSafe := ToURLSafe(encoded)
	if bytes.ContainsAny([]byte(urlSafe), "+/") {
		t.Fatalf("URL-safe form still contains standard characters: %s", urlSafe)
	}
	if FromURLSafe(urlSafe) != encoded {
		t.Fatalf("round trip failed: %s vs %s", FromURLSafe(urlSafe), encoded)
	}
	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, []byte{0xfb, 0xef, 0xbe}) {
		t.Fatalf("decode mismatch: %v", decoded)
	}
}
