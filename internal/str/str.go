// Package str provides small integer-to-string helpers used in error
// messages, avoiding fmt's allocation and reflection overhead on hot
// decode paths.
package str

import "strconv"

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Itod formats a signed integer as a decimal string.
func Itod[T signed](i T) string {
	return strconv.FormatInt(int64(i), 10)
}

// Utod formats an unsigned integer as a decimal string.
func Utod[T unsigned](u T) string {
	return strconv.FormatUint(uint64(u), 10)
}
