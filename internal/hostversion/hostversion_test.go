package hostversion

import "testing"

func TestCompatibleExactMatch(t *testing.T) {
	ok, err := Compatible("1.4.0", "1.4.0", "1.2.0")
	if err != nil || !ok {
		t.Fatalf("expected exact match compatible, got ok=%v err=%v", ok, err)
	}
}

func TestCompatibleAboveMin(t *testing.T) {
	ok, err := Compatible("1.5.0", "1.4.0", "1.2.0")
	if err != nil || !ok {
		t.Fatalf("expected newer-than-min compatible, got ok=%v err=%v", ok, err)
	}
}

func TestCompatibleBelowMin(t *testing.T) {
	ok, err := Compatible("1.1.0", "1.4.0", "1.2.0")
	if err != nil || ok {
		t.Fatalf("expected below-min incompatible, got ok=%v err=%v", ok, err)
	}
}

func TestCompatibleEqualsMin(t *testing.T) {
	ok, err := Compatible("1.2.0", "1.4.0", "1.2.0")
	if err != nil || !ok {
		t.Fatalf("expected min-compatible version accepted, got ok=%v err=%v", ok, err)
	}
}

func TestCompatibleInvalidVersion(t *testing.T) {
	if _, err := Compatible("not-a-version", "1.4.0", "1.2.0"); err == nil {
		t.Fatal("expected error for unparsable version")
	}
}
