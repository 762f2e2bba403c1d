package resp

import "testing"

func TestNewRequestEncoding(t *testing.T) {
	r := NewRequest([]byte("SET"), []byte("k"), []byte("v"))
	defer r.Free()

	want := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	if got := string(r.Bytes()); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNewRequestEmptyArg(t *testing.T) {
	r := NewRequest([]byte("GET"), []byte(""))
	defer r.Free()

	want := "*2\r\n$3\r\nGET\r\n$0\r\n\r\n"
	if got := string(r.Bytes()); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAppendCommandBatches(t *testing.T) {
	r := NewRequest([]byte("PING"))
	defer r.Free()
	r.AppendCommand([]byte("PING"))

	want := "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"
	if got := string(r.Bytes()); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRequestReusePostFree(t *testing.T) {
	r1 := NewRequest([]byte("A"))
	b1 := string(r1.Bytes())
	r1.Free()

	r2 := NewRequest([]byte("B"))
	defer r2.Free()
	if r2 != r1 {
		t.Skip("pool returned a different Request; reuse not exercised")
	}
	if got := string(r2.Bytes()); got != "*1\r\n$1\r\nB\r\n" {
		t.Errorf("reused request got %q, want only B's encoding (previous was %q)", got, b1)
	}
}

func TestAppendIntFloat(t *testing.T) {
	args := AppendInt(nil, -42)
	args = AppendFloat(args, 3.5)
	if string(args[0]) != "-42" {
		t.Errorf("got %q, want -42", args[0])
	}
	if string(args[1]) != "3.5" {
		t.Errorf("got %q, want 3.5", args[1])
	}
}
