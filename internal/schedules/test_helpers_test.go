package schedules

import "testing"

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustContentID(t *testing.T, value string) ContentID {
	t.Helper()
	id, err := NewContentID(value)
	if err != nil {
		t.Fatalf("unexpected content id error: %v", err)
	}
	return id
}
