//go:build windows

package pageant

import "testing"

func TestWriteInPlaceFitsResponse(t *testing.T) {
	region := make([]byte, 16)
	if err := writeInPlace(region, []byte{0xAA, 0xBB, 0xCC}); err != nil {
		t.Fatalf("writeInPlace: %v", err)
	}
	want := []byte{0, 0, 0, 3, 0xAA, 0xBB, 0xCC}
	if string(region[:len(want)]) != string(want) {
		t.Errorf("region = %v, want prefix %v", region[:len(want)], want)
	}
}

func TestWriteInPlaceRejectsOversizedResponse(t *testing.T) {
	region := make([]byte, 4)
	if err := writeInPlace(region, []byte{1, 2, 3}); err == nil {
		t.Error("expected error when response does not fit in region")
	}
}

func TestContainsFoldIsCaseInsensitive(t *testing.T) {
	if !containsFold("Local\\PageantRequestWP1234", "pageantrequestwp1234") {
		t.Error("expected case-insensitive substring match")
	}
	if containsFold("Local\\Something", "pageant") {
		t.Error("unexpected match")
	}
}
