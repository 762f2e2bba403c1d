package cluster

import "testing"

func TestCRC16KnownCheckValue(t *testing.T) {
	// The standard CRC-16/XMODEM check value for the ASCII digits
	// "123456789", the canonical vector for this polynomial/table.
	got := crc16([]byte("123456789"))
	const want = 0x31C3
	if got != want {
		t.Errorf("crc16(%q) = 0x%04x, want 0x%04x", "123456789", got, want)
	}
}

func TestHashSlotBounds(t *testing.T) {
	for _, key := range []string{"foo", "bar", "", "a-much-longer-key-name-than-usual"} {
		slot := HashSlot([]byte(key))
		if slot < 0 || slot >= NumSlots {
			t.Errorf("HashSlot(%q) = %d, out of range [0,%d)", key, slot, NumSlots)
		}
	}
}

func TestHashSlotHashTagGroupsKeys(t *testing.T) {
	a := HashSlot([]byte("{user1000}.following"))
	b := HashSlot([]byte("{user1000}.followers"))
	c := HashSlot([]byte("user1000"))
	if a != b || a != c {
		t.Errorf("hash-tagged keys got slots %d, %d, %d; want all equal", a, b, c)
	}
}

func TestHashSlotEmptyTagHashesWholeKey(t *testing.T) {
	// "{}" is an empty tag: the whole key (including the braces) is
	// hashed instead of treating "" as the tag.
	withBraces := HashSlot([]byte("{}foo"))
	whole := int(crc16([]byte("{}foo"))) % NumSlots
	if withBraces != whole {
		t.Fatalf("HashSlot(%q) = %d, want whole-key slot %d", "{}foo", withBraces, whole)
	}
	justFoo := HashSlot([]byte("foo"))
	if withBraces == justFoo {
		t.Error("\"{}foo\" should not hash the same as \"foo\" (empty tag means hash whole key)")
	}
}

func TestHashSlotUnclosedBraceHashesWholeKey(t *testing.T) {
	a := HashSlot([]byte("{unclosed"))
	b := int(crc16([]byte("{unclosed"))) % NumSlots
	if a != b {
		t.Fatalf("HashSlot(%q) = %d, want whole-key slot %d", "{unclosed", a, b)
	}
	// With no closing brace there is no tag, so the whole key is
	// hashed, braces included.
}
