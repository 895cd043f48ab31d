package codec

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	gzip := NewGzip()
	tests := []struct {
		name string
		opts Options
		msgs [][]byte
	}{
		{
			name: "identity",
			opts: DefaultOptions(),
			msgs: [][]byte{[]byte("hello"), []byte(""), []byte("world, again")},
		},
		{
			name: "gzip above floor",
			opts: Options{Compressor: gzip, CompressionFloor: 1, AcceptedEncodings: map[string]bool{"gzip": true}},
			msgs: [][]byte{bytes.Repeat([]byte("x"), 2048)},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			for _, m := range tc.msgs {
				if err := Encode(&buf, m, tc.opts); err != nil {
					t.Fatalf("Encode: %v", err)
				}
			}

			dec := NewDecoder(tc.opts)
			dec.Feed(buf.Bytes())
			dec.Close()

			for i, want := range tc.msgs {
				got, err := dec.Next()
				if err != nil {
					t.Fatalf("msg %d: Next: %v", i, err)
				}
				if !bytes.Equal(got.Payload, want) {
					t.Fatalf("msg %d: got %q want %q", i, got.Payload, want)
				}
			}
			if _, err := dec.Next(); err != io.EOF {
				t.Fatalf("expected EOF after all messages, got %v", err)
			}
		})
	}
}

func TestDecodeByteSplit(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three-longer-message")}
	for _, m := range msgs {
		if err := Encode(&buf, m, DefaultOptions()); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	full := buf.Bytes()
	for chunkSize := 1; chunkSize <= len(full); chunkSize++ {
		dec := NewDecoder(DefaultOptions())
		var got [][]byte
		for off := 0; off < len(full); off += chunkSize {
			end := off + chunkSize
			if end > len(full) {
				end = len(full)
			}
			dec.Feed(full[off:end])
			for {
				msg, err := dec.Next()
				if err == ErrPending {
					break
				}
				if err != nil {
					t.Fatalf("chunkSize=%d: Next: %v", chunkSize, err)
				}
				got = append(got, msg.Payload)
			}
		}
		dec.Close()
		if len(got) != len(msgs) {
			t.Fatalf("chunkSize=%d: got %d messages, want %d", chunkSize, len(got), len(msgs))
		}
		for i := range msgs {
			if !bytes.Equal(got[i], msgs[i]) {
				t.Fatalf("chunkSize=%d msg %d: got %q want %q", chunkSize, i, got[i], msgs[i])
			}
		}
	}
}

func TestDecodePrematureEOF(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []byte("hello world"), DefaultOptions()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf.Bytes()[:len(buf.Bytes())-2]

	dec := NewDecoder(DefaultOptions())
	dec.Feed(truncated)
	dec.Close()

	if _, err := dec.Next(); err == nil {
		t.Fatal("expected error for premature EOF, got nil")
	}
}

func TestDecodeUnsupportedCompression(t *testing.T) {
	gzip := NewGzip()
	var buf bytes.Buffer
	if err := Encode(&buf, bytes.Repeat([]byte("y"), 10), Options{Compressor: gzip, CompressionFloor: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Decoder never advertised gzip in AcceptedEncodings.
	dec := NewDecoder(Options{Compressor: gzip, AcceptedEncodings: map[string]bool{}})
	dec.Feed(buf.Bytes())
	dec.Close()

	_, err := dec.Next()
	if name, ok := UnsupportedEncoding(err); !ok || name != "gzip" {
		t.Fatalf("expected unsupported-encoding error for gzip, got %v", err)
	}
}

func TestBadCompressionFlag(t *testing.T) {
	raw := []byte{2, 0, 0, 0, 0}
	dec := NewDecoder(DefaultOptions())
	dec.Feed(raw)
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected error for bad compression flag")
	}
}
