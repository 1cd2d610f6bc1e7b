package store

import (
	"fmt"

	"github.com/google/orderedcode"
)

// key prefixes
// NB: Before modifying these, cross-check them with those in
// * internal/store/keys.go       [0..2]
// * internal/election/context.go [3]
const (
	// prefixes are unique across all hybridchain db's
	prefixHeader   = int64(0)
	prefixBest     = int64(1)
	prefixChildren = int64(2)
)

// maxHeight bounds best-index range scans.
const maxHeight = int64(1<<63 - 1)

func headerKey(hash []byte) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, string(hash))
	if err != nil {
		panic(err)
	}
	return key
}

func bestKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixBest, height)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeBestKey(key []byte) (height int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixBest {
		return -1, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixBest, prefix)
	}
	return
}

func childKey(parent, child []byte) []byte {
	key, err := orderedcode.Append(nil, prefixChildren, string(parent), string(child))
	if err != nil {
		panic(err)
	}
	return key
}

func childrenPrefix(parent []byte) []byte {
	key, err := orderedcode.Append(nil, prefixChildren, string(parent))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeChildKey(key []byte) (child []byte, err error) {
	var (
		prefix        int64
		parent, chash string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &parent, &chash)
	if err != nil {
		return nil, err
	}
	if len(remaining) != 0 {
		return nil, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixChildren {
		return nil, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixChildren, prefix)
	}
	return []byte(chash), nil
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
