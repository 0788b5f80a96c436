package identity

import (
	"strings"
	"testing"
)

func TestNewSide(t *testing.T) {
	s1, err := NewSide()
	if err != nil {
		t.Fatalf("NewSide() error = %v", err)
	}

	if s1.IsZero() {
		t.Error("NewSide() returned zero side")
	}

	// Generate another side and verify they're different
	s2, err := NewSide()
	if err != nil {
		t.Fatalf("NewSide() error = %v", err)
	}

	if s1.Equal(s2) {
		t.Error("NewSide() returned duplicate sides")
	}
}

func TestSide_String(t *testing.T) {
	s, err := NewSide()
	if err != nil {
		t.Fatalf("NewSide() error = %v", err)
	}

	str := s.String()
	if len(str) != 16 { // 8 bytes * 2 hex chars
		t.Errorf("String() length = %d, want 16", len(str))
	}
	if str != strings.ToLower(str) {
		t.Errorf("String() = %s, want lowercase", str)
	}
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "valid hex string",
			input:   "a3f8c2d1e5b94a7c",
			wantErr: false,
		},
		{
			name:    "valid with whitespace",
			input:   "  a3f8c2d1e5b94a7c  ",
			wantErr: false,
		},
		{
			name:    "too short",
			input:   "a3f8c2d1",
			wantErr: true,
		},
		{
			name:    "too long",
			input:   "a3f8c2d1e5b94a7c8d",
			wantErr: true,
		},
		{
			name:    "not hex",
			input:   "zzzzzzzzzzzzzzzz",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseSide(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseSide(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if !tc.wantErr {
				if s.String() != strings.TrimSpace(tc.input) {
					t.Errorf("round trip = %s, want %s", s.String(), strings.TrimSpace(tc.input))
				}
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	if s.String() != "0102030405060708" {
		t.Errorf("String() = %s, want 0102030405060708", s.String())
	}

	if _, err := FromBytes(b[:4]); err == nil {
		t.Error("FromBytes() with short slice: expected error")
	}
}
