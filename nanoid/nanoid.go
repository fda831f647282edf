package nanoid

import (
	"strings"

	"github.com/bookwave/convcore/consts"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultSize = 16
)

func getSize(l ...int) int {
	size := defaultSize
	if len(l) > 0 {
		size = l[0]
	}
	return size
}

// Must generate optional length nanoid
func Must(l ...int) string {
	size := getSize(l...)
	return gonanoid.Must(size)
}

// String generate optional length nanoid, use const by default
func String(l ...int) string {
	size := getSize(l...)
	return gonanoid.MustGenerate(consts.LowerUpper, size)
}

// Lower generate optional length nanoid, use const by default
func Lower(l ...int) string {
	size := getSize(l...)
	return gonanoid.MustGenerate(consts.Lowercase, size)
}

// PrimaryKey generate primary key
func PrimaryKey(l ...int) func() string {
	size := consts.PrimaryKeySize
	if len(l) > 0 {
		size = l[0]
	}
	return func() string {
		return gonanoid.MustGenerate(consts.PrimaryKey, size)
	}
}

// IsPrimaryKey verify is primary key
func IsPrimaryKey(id string) bool {
	if id == "" {
		return false
	}
	if len(id) != consts.PrimaryKeySize {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(consts.PrimaryKey, r) {
			return false
		}
	}
	return true
}
