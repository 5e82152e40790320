package gc

import "testing"

func TestSizeClassTable(t *testing.T) {
	prev := uint16(0)
	for i, sz := range sizeClasses {
		if sz <= prev {
			t.Fatalf("class %d: size %d not increasing", i, sz)
		}
		if sz%8 != 0 {
			t.Fatalf("class %d: size %d not word aligned", i, sz)
		}
		prev = sz
	}
	if int(sizeClasses[numSizeClasses-1]) != int(maxSmallSize)+int(headerSize) {
		t.Fatalf("largest class %d does not cover the pool limit %d",
			sizeClasses[numSizeClasses-1], int(maxSmallSize)+int(headerSize))
	}
}

func TestSizeClassLookup(t *testing.T) {
	for allocsz := uintptr(1); allocsz <= maxSmallSize+headerSize; allocsz++ {
		klass, osize := sizeClass(allocsz)
		if osize < allocsz {
			t.Fatalf("size %d: class %d cell %d too small", allocsz, klass, osize)
		}
		if klass > 0 && uintptr(sizeClasses[klass-1]) >= allocsz {
			t.Fatalf("size %d: class %d not the tightest fit", allocsz, klass)
		}
	}
}

func TestPageGeometry(t *testing.T) {
	if pageOffset < wordSize {
		t.Fatal("page offset leaves no room for the empty-page link")
	}
	if (pageOffset+headerSize)%heapAlign != 0 {
		t.Fatal("first cell payload not heap aligned")
	}
	if buffTag%PageSize != 0 {
		t.Fatal("buffer tag must be a multiple of the page size")
	}
}
