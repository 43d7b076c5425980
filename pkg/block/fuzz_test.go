package block

import (
	"encoding/json"
	"testing"
)

// FuzzHeaderUnmarshal tests that arbitrary JSON input does not panic
// when unmarshaled into a Header struct.
func FuzzHeaderUnmarshal(f *testing.F) {
	f.Add([]byte(`{"version":1,"prev_hash":"0000000000000000000000000000000000000000000000000000000000000000","timestamp":1000,"bits":545259519}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"bits":4294967295}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var h Header
		if err := json.Unmarshal(data, &h); err != nil {
			return
		}
		h.Hash()
		h.Work()
		h.Validate()
	})
}

// FuzzDecodeHeader checks that the canonical decoder never panics and that
// anything it accepts re-encodes to the same bytes.
func FuzzDecodeHeader(f *testing.F) {
	h := testHeader()
	f.Add(h.SigningBytes())
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		got, err := DecodeHeader(data)
		if err != nil {
			return
		}
		if string(got.SigningBytes()) != string(data) {
			t.Fatalf("re-encoding differs")
		}
	})
}
