package io

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func newReader(s string) *bufio.Reader {
	return bufio.NewReaderSize(strings.NewReader(s), 64)
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		enforce bool
		want    string
		wantErr error
	}{
		{name: "simple", input: "HELO example.com\r\n", max: 512, want: "HELO example.com"},
		{name: "empty line", input: "\r\n", max: 512, want: ""},
		{name: "bare LF rejected", input: "HELO example.com\n", max: 512, wantErr: ErrBadLineEnding},
		{name: "too long", input: strings.Repeat("a", 600) + "\r\n", max: 512, wantErr: ErrLineTooLong},
		{name: "8-bit enforced", input: "HELO caf\xc3\xa9\r\n", max: 512, enforce: true, wantErr: Err8BitIn7BitMode},
		{name: "8-bit allowed", input: "HELO caf\xc3\xa9\r\n", max: 512, want: "HELO caf\xc3\xa9"},
		{name: "longer than bufio buffer", input: strings.Repeat("b", 200) + "\r\n", max: 512, want: strings.Repeat("b", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadLine(newReader(tt.input), tt.max, tt.enforce)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadLine() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadLine() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLineTooLongResynchronizes(t *testing.T) {
	// After a too-long line, the next ReadLine must pick up the next line.
	input := strings.Repeat("a", 600) + "\r\nQUIT\r\n"
	r := newReader(input)

	if _, err := ReadLine(r, 128, false); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("first ReadLine() error = %v, want ErrLineTooLong", err)
	}
	got, err := ReadLine(r, 128, false)
	if err != nil {
		t.Fatalf("second ReadLine() error = %v", err)
	}
	if got != "QUIT" {
		t.Errorf("second ReadLine() = %q, want %q", got, "QUIT")
	}
}

func TestReadData(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		maxSize int64
		enforce bool
		want    string
		wantErr error
	}{
		{
			name:  "simple body",
			input: "Subject: hi\r\n\r\nHello\r\n.\r\n",
			want:  "Subject: hi\r\n\r\nHello\r\n",
		},
		{
			name:  "dot stuffing removed",
			input: "..leading dot\r\n.\r\n",
			want:  ".leading dot\r\n",
		},
		{
			name:  "empty message",
			input: ".\r\n",
			want:  "",
		},
		{
			name:    "size exceeded still drains",
			input:   strings.Repeat("x", 40) + "\r\n" + strings.Repeat("y", 40) + "\r\n.\r\n",
			maxSize: 20,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "8-bit data in 7-bit mode",
			input:   "caf\xc3\xa9\r\n.\r\n",
			enforce: true,
			wantErr: Err8BitIn7BitMode,
		},
		{
			name:    "bare LF in body rejected",
			input:   "bad line\n.\r\n",
			wantErr: ErrBadLineEnding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadData(newReader(tt.input), tt.maxSize, 998, tt.enforce)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadData() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadData() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ReadData() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadDataDrainAfterViolation(t *testing.T) {
	// Every mid-body violation must still consume up to the terminator so
	// the following command is readable as a command. Anything else lets a
	// message body be executed as SMTP.
	tests := []struct {
		name    string
		input   string
		maxSize int64
		maxLine int
		enforce bool
		wantErr error
	}{
		{
			name:    "size exceeded",
			input:   strings.Repeat("x", 100) + "\r\n.\r\nQUIT\r\n",
			maxSize: 10,
			maxLine: 998,
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "line too long",
			input:   strings.Repeat("x", 200) + "\r\nMAIL FROM:<smuggled@example.com>\r\n.\r\nQUIT\r\n",
			maxLine: 100,
			wantErr: ErrLineTooLong,
		},
		{
			name:    "bare LF",
			input:   "bad line\nMAIL FROM:<smuggled@example.com>\r\n.\r\nQUIT\r\n",
			maxLine: 998,
			wantErr: ErrBadLineEnding,
		},
		{
			name:    "8-bit data",
			input:   "caf\xc3\xa9\r\nnext line\r\n.\r\nQUIT\r\n",
			maxLine: 998,
			enforce: true,
			wantErr: Err8BitIn7BitMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReader(tt.input)
			if _, err := ReadData(r, tt.maxSize, tt.maxLine, tt.enforce); !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadData() error = %v, want %v", err, tt.wantErr)
			}
			got, err := ReadLine(r, 512, false)
			if err != nil {
				t.Fatalf("ReadLine() after drain error = %v", err)
			}
			if got != "QUIT" {
				t.Errorf("ReadLine() after drain = %q, want %q", got, "QUIT")
			}
		})
	}
}
