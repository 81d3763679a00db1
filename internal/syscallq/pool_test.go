package syscallq

import "testing"

func TestGetBufferSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"512B bucket - exact", 512, 512},
		{"512B bucket - smaller", 256, 512},
		{"4KB bucket - exact", 4096, 4096},
		{"4KB bucket - smaller", 3000, 4096},
		{"16KB bucket - exact", 16 * 1024, 16 * 1024},
		{"16KB bucket - smaller", 10 * 1024, 16 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 30 * 1024, 64 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestBufferPoolReuse(t *testing.T) {
	buf1 := GetBuffer(4096)
	ptr1 := &buf1[0]
	PutBuffer(buf1)

	buf2 := GetBuffer(4096)
	ptr2 := &buf2[0]
	PutBuffer(buf2)

	if ptr1 == ptr2 {
		t.Log("buffer was reused from pool")
	} else {
		t.Log("buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutBufferNonStandardCap(t *testing.T) {
	buf := make([]byte, 3*1024) // not a standard bucket
	PutBuffer(buf)
}
