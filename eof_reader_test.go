package xymodem

import (
	"bytes"
	"testing"
)

func TestEofReaderTranslatesEOF(t *testing.T) {
	tr := NewTimeoutReader(bytes.NewReader(nil))
	tr.SetTimeout(1000)
	er := NewEofReader(tr)

	_, err := er.ReadByte()
	if err != ErrEndOfStream {
		t.Fatalf("ReadByte error = %v, want ErrEndOfStream", err)
	}
}

func TestEofReaderReadFullShortStream(t *testing.T) {
	tr := NewTimeoutReader(bytes.NewReader([]byte{1, 2}))
	tr.SetTimeout(1000)
	er := NewEofReader(tr)

	buf := make([]byte, 4)
	err := er.ReadFull(buf)
	if err != ErrEndOfStream {
		t.Fatalf("ReadFull error = %v, want ErrEndOfStream", err)
	}
}

func TestEofReaderReadFullExact(t *testing.T) {
	tr := NewTimeoutReader(bytes.NewReader([]byte{1, 2, 3}))
	tr.SetTimeout(1000)
	er := NewEofReader(tr)

	buf := make([]byte, 3)
	if err := er.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Fatalf("ReadFull = %v, want 1,2,3", buf)
	}
}
