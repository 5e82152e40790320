package gc

// Pool size classes. The leading classes step by 16 bytes; the remaining
// three groups are chosen for maximum packing efficiency of the 16 KiB page
// payload (cells per page in the comments).
var sizeClasses = [...]uint16{
	8,

	// 16 pools at 16-byte spacing
	16, 32, 48, 64, 80, 96, 112, 128,
	144, 160, 176, 192, 208, 224, 240, 256,

	272, 288, 304, 336, 368, 400, 448, 496, // 60, 56, 53, 48, 44, 40, 36, 33 /pg
	544, 576, 624, 672, 736, 816, 896, 1008, // 30, 28, 26, 24, 22, 20, 18, 16 /pg
	1088, 1168, 1248, 1360, 1488, 1632, 1808, 2032, // 15, 14, 13, 12, 11, 10, 9, 8 /pg
}

const numSizeClasses = len(sizeClasses)

// maxSmallSize is the largest payload the pools serve; anything bigger is a
// big object.
const maxSmallSize = 2032 - headerSize

// szClassIndex maps an allocation size (payload + header) to its class.
var szClassIndex [2033]uint8

func init() {
	c := 0
	for sz := range szClassIndex {
		if sz > int(sizeClasses[c]) {
			c++
		}
		szClassIndex[sz] = uint8(c)
	}
}

// sizeClass returns the pool index and cell size for an allocation of
// allocsz bytes (header included). allocsz must not exceed the largest
// class.
func sizeClass(allocsz uintptr) (int, uintptr) {
	if gcAsserts && allocsz > uintptr(sizeClasses[numSizeClasses-1]) {
		gcPanic("gc: size class request too large")
	}
	klass := int(szClassIndex[allocsz])
	return klass, uintptr(sizeClasses[klass])
}
