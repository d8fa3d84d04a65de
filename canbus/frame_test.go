package canbus

import (
	"errors"
	"testing"
)

func TestFrame_Validate_Marshal_Unmarshal_String(t *testing.T) {
	cases := []struct {
		name    string
		frame   Frame
		wantStr string
	}{
		{
			name:    "standard frame with data",
			frame:   MustFrame(0x123, []byte{0xDE, 0xAD}),
			wantStr: "123 [2] DE AD",
		},
		{
			name:    "extended RTR, requested length",
			frame:   RemoteFrame(0x0A0805C2, true, 8),
			wantStr: "0A0805C2 [8] RTR",
		},
		{
			name:    "extended data frame",
			frame:   MustFrame(0x0A080082, []byte{0x01}),
			wantStr: "0A080082 [1] 01",
		},
	}

	for _, tc := range cases {
		if err := tc.frame.Validate(); err != nil {
			t.Fatalf("%s: Validate() error = %v", tc.name, err)
		}
		b, err := tc.frame.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary() error = %v", tc.name, err)
		}
		var g Frame
		if err := g.UnmarshalBinary(b); err != nil {
			t.Fatalf("%s: UnmarshalBinary() error = %v", tc.name, err)
		}
		if g != tc.frame {
			t.Fatalf("%s: roundtrip mismatch: got %+v want %+v", tc.name, g, tc.frame)
		}
		if got := g.String(); got != tc.wantStr {
			t.Fatalf("%s: String() = %q, want %q", tc.name, got, tc.wantStr)
		}
	}
}

func TestFrame_Invalid(t *testing.T) {
	if err := (Frame{ID: 0x800}).Validate(); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid standard ID, got %v", err)
	}
	if err := (Frame{ID: 0x20000000, Extended: true}).Validate(); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid extended ID, got %v", err)
	}
	if _, err := NewFrame(0x123, make([]byte, 9)); !errors.Is(err, ErrInvalidLen) {
		t.Fatalf("expected invalid length, got %v", err)
	}
	var g Frame
	if err := g.UnmarshalBinary(make([]byte, 4)); err == nil {
		t.Fatalf("expected short buffer error")
	}
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustFrame should panic for len>8")
		}
	}()
	_ = MustFrame(0x123, make([]byte, 9))
}

func TestFrame_PayloadIsCopy(t *testing.T) {
	f := MustFrame(0x10, []byte{1, 2, 3})
	p := f.Payload()
	if len(p) != 3 || p[0] != 1 || p[2] != 3 {
		t.Fatalf("payload = %v", p)
	}
	p[0] = 9
	if f.Data[0] != 1 {
		t.Fatalf("payload aliases frame data")
	}
}
