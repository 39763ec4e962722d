package utils

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashStrings hashes an ordered sequence of strings. Each element is length
// prefixed so that ["ab","c"] and ["a","bc"] hash differently.
func HashStrings(inputs []string) string {
	h := md5.New()
	var buf [8]byte
	for _, s := range inputs {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashParams hashes a parameter map independently of key order.
func HashParams(name string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return HashStrings(parts)
}
