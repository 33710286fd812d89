// Package base62 提供短碼使用的 Base62 編碼。
//
// 字元集：0-9, A-Z, a-z（共 62 個），全部都是 URL 安全字元，
// 不需要跳脫即可直接放在路徑中。
package base62

import "math"

// Alphabet 是 Base62 字元集，順序決定編碼值。
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = uint64(len(Alphabet))

// 字元 → 數值，-1 表示不在字元集內
var lookup [256]int8

func init() {
	for i := range lookup {
		lookup[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		lookup[Alphabet[i]] = int8(i)
	}
}

// EncodePadded 將數字編碼為固定長度字串，不足時左側補 '0'。
//
// 數字超出 width 位能表示的範圍時返回 false。
// 短碼產生器用它把 [0, 62^width) 的亂數一對一映射到 width 位字串。
func EncodePadded(num uint64, width int) (string, bool) {
	if width <= 0 {
		return "", false
	}

	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = Alphabet[num%base]
		num /= base
	}
	if num != 0 {
		return "", false
	}
	return string(buf), true
}

// IsValid 判斷字串是否只包含 Base62 字元（空字串不合法）。
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if lookup[s[i]] < 0 {
			return false
		}
	}
	return true
}

// Space 返回 length 位 Base62 字串的總數（62^length）。
//
// 超出 uint64 時第二個返回值為 false。
//
//	Space(6) = 56,800,235,584
//	Space(7) = 3,521,614,606,208
func Space(length int) (uint64, bool) {
	if length < 0 {
		return 0, false
	}
	n := uint64(1)
	for i := 0; i < length; i++ {
		if n > math.MaxUint64/base {
			return 0, false
		}
		n *= base
	}
	return n, true
}
