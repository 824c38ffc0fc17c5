package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReadMessage(t *testing.T) {
	type tcase struct {
		input   string
		limit   int64
		wantErr error
	}
	tests := map[string]tcase{
		"under limit":    {input: "Subject: hi\r\n\r\nbody", limit: 64},
		"exactly limit":  {input: strings.Repeat("x", 16), limit: 16},
		"one byte over":  {input: strings.Repeat("x", 17), limit: 16, wantErr: errMessageTooLarge},
		"far over limit": {input: strings.Repeat("x", 4096), limit: 16, wantErr: errMessageTooLarge},
		"empty":          {input: "", limit: 16},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			raw, err := readMessage(strings.NewReader(tc.input), tc.limit)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("readMessage error = %v, want %v", err, tc.wantErr)
				}
				if raw != nil {
					t.Errorf("readMessage returned %d bytes of a rejected message", len(raw))
				}
				return
			}
			if err != nil {
				t.Fatalf("readMessage: unexpected error: %v", err)
			}
			if string(raw) != tc.input {
				t.Errorf("readMessage = %q, want %q", raw, tc.input)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stdin closed") }

func TestReadMessageReadError(t *testing.T) {
	if _, err := readMessage(failingReader{}, 16); err == nil || errors.Is(err, errMessageTooLarge) {
		t.Fatalf("readMessage error = %v, want the read error", err)
	}
}

func TestMessageContext(t *testing.T) {
	ctx, cancel := messageContext(0)
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Errorf("zero timeout set a deadline")
	}

	ctx, cancel = messageContext(time.Hour)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > time.Hour {
		t.Errorf("deadline = %v (set %v), want within an hour", deadline, ok)
	}
}
